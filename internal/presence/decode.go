package presence

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"
)

// rlmiDoc is the subset of application/rlmi+xml this client reads: a list
// of resources, each carrying nested presence categories.
type rlmiDoc struct {
	XMLName   xml.Name      `xml:"list"`
	Resources []rlmiResource `xml:"resource"`
}

type rlmiResource struct {
	URI        string           `xml:"uri,attr"`
	Instances  []rlmiInstance   `xml:"instance"`
}

type rlmiInstance struct {
	State rlmiState `xml:"state"`
}

type rlmiState struct {
	Availability int    `xml:"availability"`
	Note         noteEl `xml:"note"`
}

type noteEl struct {
	Body string `xml:"body"`
}

// DecodeRLMI parses an application/rlmi+xml body into per-contact Status
// values, mapping availability by the ascending-threshold table.
func DecodeRLMI(body []byte) ([]Status, error) {
	var doc rlmiDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("presence: decode RLMI: %w", err)
	}
	out := make([]Status, 0, len(doc.Resources))
	for _, r := range doc.Resources {
		avail := 0
		note := ""
		if len(r.Instances) > 0 {
			avail = r.Instances[0].State.Availability
			note = r.Instances[0].State.Note.Body
		}
		out = append(out, Status{URI: r.URI, Activity: activityFromRLMI(avail), Note: note})
	}
	return out, nil
}

// msrtcCategoryDoc is the subset of text/xml+msrtc.pidf /
// msrtc-event-categories this client reads: per-contact category nodes
// carrying availability/activity aggregates, legacy state/avail, or a note.
type msrtcCategoryDoc struct {
	XMLName    xml.Name          `xml:"presentity"`
	URI        string            `xml:"uri,attr"`
	Categories []msrtcCategory   `xml:"category"`
}

type msrtcCategory struct {
	Name         string  `xml:"name,attr"`
	Availability *msrtcAggregate `xml:"availability"`
	Activity     *msrtcAggregate `xml:"activity"`
	State        *msrtcState     `xml:"state"`
	Note         *msrtcNote      `xml:"note"`
}

type msrtcAggregate struct {
	Aggregate int `xml:"aggregate,attr"`
}

type msrtcState struct {
	Avail int    `xml:"avail,attr"`
	Text  string `xml:",chardata"`
}

type msrtcNote struct {
	Body string `xml:"body"`
}

// DecodeMSRTCCategory parses an application/msrtc-event-categories+xml (or
// text/xml+msrtc.pidf) body, applying the full OCS2007/legacy precedence
// chain per contact.
func DecodeMSRTCCategory(body []byte) (Status, error) {
	var doc msrtcCategoryDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return Status{}, fmt.Errorf("presence: decode MSRTC category: %w", err)
	}

	var availAgg, actAgg int
	var legacyAvail int
	haveLegacy := false
	note := ""
	for _, c := range doc.Categories {
		switch strings.ToLower(c.Name) {
		case "availability":
			if c.Availability != nil {
				availAgg = c.Availability.Aggregate
			}
			if c.State != nil {
				legacyAvail = c.State.Avail
				haveLegacy = true
			}
		case "activity":
			if c.Activity != nil {
				actAgg = c.Activity.Aggregate
			}
		case "note":
			if c.Note != nil {
				note = c.Note.Body
			}
		}
	}

	act := activityFromMSRTC(actAgg, availAgg)
	if act == Offline && actAgg == 0 && availAgg == 0 && haveLegacy {
		act = ActivityFromLegacyAvail(legacyAvail)
	}
	return Status{URI: doc.URI, Activity: act, Note: note}, nil
}

// pidfDoc is the fallback application/pidf+xml tuple this client reads.
type pidfDoc struct {
	XMLName xml.Name  `xml:"presence"`
	Entity  string    `xml:"entity,attr"`
	Tuples  []pidfTuple `xml:"tuple"`
}

type pidfTuple struct {
	Status   pidfStatus `xml:"status"`
	Activity string     `xml:"activities>activity"`
	Note     string     `xml:"note"`
}

type pidfStatus struct {
	Basic string `xml:"basic"`
}

// DecodePIDF parses an application/pidf+xml body.
func DecodePIDF(body []byte) (Status, error) {
	var doc pidfDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return Status{}, fmt.Errorf("presence: decode PIDF: %w", err)
	}
	basic, activity, note := "closed", "", ""
	if len(doc.Tuples) > 0 {
		basic = doc.Tuples[0].Status.Basic
		activity = doc.Tuples[0].Activity
		note = doc.Tuples[0].Note
	}
	return Status{URI: doc.Entity, Activity: activityFromPIDF(basic, activity), Note: note}, nil
}

// Decode dispatches a NOTIFY/BENOTIFY body to the right decoder by its
// Content-Type, including unwrapping multipart/* bodies so each part is
// parsed by its own Content-Type and dispatched individually.
func Decode(contentType string, body []byte) ([]Status, error) {
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, fmt.Errorf("presence: parsing Content-Type %q: %w", contentType, err)
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		return decodeMultipart(params["boundary"], body)
	}
	return decodeSinglePart(mediaType, body)
}

func decodeMultipart(boundary string, body []byte) ([]Status, error) {
	if boundary == "" {
		return nil, fmt.Errorf("presence: multipart body with no boundary parameter")
	}
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	var out []Status
	for {
		part, err := reader.NextPart()
		if err != nil {
			break
		}
		partBody, err := io.ReadAll(part)
		if err != nil {
			continue
		}
		partType := part.Header.Get("Content-Type")
		mediaType, _, err := mime.ParseMediaType(partType)
		if err != nil {
			continue
		}
		statuses, err := decodeSinglePart(mediaType, partBody)
		if err != nil {
			continue
		}
		out = append(out, statuses...)
	}
	return out, nil
}

func decodeSinglePart(mediaType string, body []byte) ([]Status, error) {
	switch {
	case strings.Contains(mediaType, "rlmi"):
		return DecodeRLMI(body)
	case strings.Contains(mediaType, "msrtc"):
		s, err := DecodeMSRTCCategory(body)
		if err != nil {
			return nil, err
		}
		return []Status{s}, nil
	case strings.Contains(mediaType, "pidf"):
		s, err := DecodePIDF(body)
		if err != nil {
			return nil, err
		}
		return []Status{s}, nil
	default:
		return nil, fmt.Errorf("presence: unrecognized content type %q", mediaType)
	}
}
