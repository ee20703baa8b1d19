package upstream

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Response is a fully read upstream response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Photo is one entry of the "fotos" array of a report submission.
type Photo struct {
	ID            string `json:"id"`
	TempID        string `json:"temp_id"`
	Caption       string `json:"legenda"`
	Category      string `json:"local"`
	ManuallyAdded bool   `json:"manually_added"`
	Order         int    `json:"ordem"`
	Data          []byte `json:"data"`
	ContentType   string `json:"content_type,omitempty"`
	Filename      string `json:"filename,omitempty"`
}

// ChecklistItem is one entry of the "checklist_data" array.
type ChecklistItem struct {
	Item       string `json:"item"`
	Checked    bool   `json:"checked"`
	Observacao string `json:"observacao"`
}

// ReportPayload is the JSON body the application accepts for a report.
// Form fields are flattened to the top level next to "fotos" and
// "checklist_data".
type ReportPayload struct {
	Fields    map[string]string
	Photos    []Photo
	Checklist []ChecklistItem
	CSRFToken string
}

func (p ReportPayload) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(p.Fields)+3)
	for k, v := range p.Fields {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		m[k] = b
	}

	photos := p.Photos
	if photos == nil {
		photos = []Photo{}
	}
	b, err := json.Marshal(photos)
	if err != nil {
		return nil, fmt.Errorf("encoding fotos: %w", err)
	}
	m["fotos"] = b

	// checklist_data travels as a JSON-encoded string, not a nested array.
	checklist := p.Checklist
	if checklist == nil {
		checklist = []ChecklistItem{}
	}
	inner, err := json.Marshal(checklist)
	if err != nil {
		return nil, fmt.Errorf("encoding checklist: %w", err)
	}
	b, _ = json.Marshal(string(inner))
	m["checklist_data"] = b

	if p.CSRFToken != "" {
		b, _ = json.Marshal(p.CSRFToken)
		m[csrfField] = b
	}
	return json.Marshal(m)
}
