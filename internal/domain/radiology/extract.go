package radiology

import (
	"strings"
	"time"

	"github.com/ehr/ris/internal/platform/hl7v2"
)

// Order holds everything extracted from one ORM^O01 message that intake
// needs: the requested procedure identifier, the optional accession hint,
// patient match criteria, and order metadata.
type Order struct {
	ExternalRequestID string // RPID
	AccessionHint     string // OBR-18, empty when absent
	SourceSystem      string // MSH-3^MSH-4, empty when the sender is anonymous

	PlacerOrderNumber string
	FillerOrderNumber string
	ServiceCode       string
	ServiceName       string
	Priority          string
	OrderingProvider  string
	RequestedAt       *time.Time

	// Patient match criteria. MRN is authoritative; name and birth date are
	// the fallback.
	MRN        string
	LastName   string
	FirstName  string
	BirthDate  *time.Time
	Sex        string
}

// ExtractOrder derives an Order from a parsed ORM message.
//
// The requested procedure ID comes from OBR-20 when present, falling back
// to the OBR-4 procedure code; with neither, extraction fails with
// MissingIdentifierError. The accession hint comes from OBR-18 and stays
// empty when the field is absent.
func ExtractOrder(msg *hl7v2.Message) (*Order, error) {
	o := &Order{}

	if msg.SendingApp != "" || msg.SendingFac != "" {
		o.SourceSystem = msg.SendingApp + "^" + msg.SendingFac
	}

	obr := msg.GetSegment("OBR")
	if obr == nil {
		return nil, &MissingIdentifierError{Detail: "message has no OBR segment"}
	}

	o.ExternalRequestID = strings.TrimSpace(obr.GetComponent(20, 1))
	if o.ExternalRequestID == "" {
		o.ExternalRequestID = strings.TrimSpace(obr.GetComponent(4, 1))
	}
	if o.ExternalRequestID == "" {
		return nil, &MissingIdentifierError{Detail: "neither OBR-20 nor OBR-4 is populated"}
	}

	o.AccessionHint = strings.TrimSpace(obr.GetComponent(18, 1))

	o.ServiceCode = strings.TrimSpace(obr.GetComponent(4, 1))
	o.ServiceName = strings.TrimSpace(obr.GetComponent(4, 2))
	o.Priority = strings.TrimSpace(obr.GetField(5))
	if ts := obr.GetField(7); ts != "" {
		if t, err := hl7v2.ParseTimestamp(ts); err == nil {
			o.RequestedAt = &t
		}
	}
	o.OrderingProvider = formatProvider(obr, 16)

	// Order numbers favor ORC, falling back to the matching OBR fields.
	if orc := msg.GetSegment("ORC"); orc != nil {
		o.PlacerOrderNumber = strings.TrimSpace(orc.GetComponent(2, 1))
		o.FillerOrderNumber = strings.TrimSpace(orc.GetComponent(3, 1))
	}
	if o.PlacerOrderNumber == "" {
		o.PlacerOrderNumber = strings.TrimSpace(obr.GetComponent(2, 1))
	}
	if o.FillerOrderNumber == "" {
		o.FillerOrderNumber = strings.TrimSpace(obr.GetComponent(3, 1))
	}

	if pid := msg.GetSegment("PID"); pid != nil {
		o.MRN = strings.TrimSpace(pid.GetComponent(3, 1))
		o.LastName = strings.TrimSpace(pid.GetComponent(5, 1))
		o.FirstName = strings.TrimSpace(pid.GetComponent(5, 2))
		o.Sex = strings.TrimSpace(pid.GetField(8))
		if dob := pid.GetField(7); dob != "" {
			if t, err := hl7v2.ParseTimestamp(dob); err == nil {
				o.BirthDate = &t
			}
		}
	}

	return o, nil
}

// formatProvider renders an XCN field (id^family^given) as "family, given",
// falling back to whichever parts are present.
func formatProvider(seg *hl7v2.Segment, fieldIdx int) string {
	family := strings.TrimSpace(seg.GetComponent(fieldIdx, 2))
	given := strings.TrimSpace(seg.GetComponent(fieldIdx, 3))
	switch {
	case family != "" && given != "":
		return family + ", " + given
	case family != "":
		return family
	default:
		return strings.TrimSpace(seg.GetComponent(fieldIdx, 1))
	}
}
