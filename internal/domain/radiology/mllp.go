package radiology

import (
	"context"

	"github.com/ehr/ris/internal/platform/hl7v2"
)

// MLLPHandler adapts the intake service to the MLLP listener: every framed
// message runs through the same processing path as the HTTP endpoint and is
// answered with an AA or AE acknowledgment.
func (s *Service) MLLPHandler() hl7v2.MessageHandler {
	return func(ctx context.Context, msg *hl7v2.Message, raw []byte) []byte {
		if _, err := s.ProcessMessage(ctx, raw, "mllp"); err != nil {
			return hl7v2.GenerateACK(msg, "AE", err.Error())
		}
		return hl7v2.GenerateACK(msg, "AA", "")
	}
}
