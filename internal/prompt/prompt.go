// Package prompt holds the instruction templates sent as the system message
// for every feedback row, and the reply schema each template asks for.
package prompt

import (
	"fmt"
	"strings"
)

type Schema string

const (
	// SchemaStructured asks for Classification, Bucket, Justification and Score lines.
	SchemaStructured Schema = "structured"
	// SchemaScalar asks for a single 0-10 misconduct score.
	SchemaScalar Schema = "scalar"
)

func ParseSchema(s string) (Schema, error) {
	switch Schema(strings.ToLower(strings.TrimSpace(s))) {
	case SchemaStructured, "":
		return SchemaStructured, nil
	case SchemaScalar:
		return SchemaScalar, nil
	default:
		return "", fmt.Errorf("unknown schema %q", s)
	}
}

type Template struct {
	Name     string `json:"name"`
	Schema   Schema `json:"schema"`
	Text     string `json:"text"`
	Editable bool   `json:"editable"`
}

// WithText returns a copy of t using text as the instruction. Blank text
// and non-editable templates keep the built-in instruction.
func (t Template) WithText(text string) Template {
	if !t.Editable || strings.TrimSpace(text) == "" {
		return t
	}
	t.Text = text
	return t
}

const structuredText = `You are an AI assistant tasked with analyzing customer feedback messages related to delivery services. Your objective is to categorize each message into one of the following levels of urgency:
Critical: Requires immediate attention due to urgent issues like safety concerns, significant financial discrepancies, or severe misconduct.
Neutral: Needs attention but is not immediately critical. This includes issues like late deliveries, minor order discrepancies, or general complaints.
Non-Critical: Does not require action, such as unrelated messages, thank you notes, or general inquiries not related to delivery partner behavior.

Additionally, identify the primary issue category (bucket) for each message from the following list:
Rude Behavior: Includes complaints about rude, unprofessional, or abusive language/actions from the delivery partner.
Delivery Issues: Concerns related to late delivery, wrong delivery, undelivered items, damaged goods, or issues with the delivery process.
Payment/Charges: Issues related to overcharging, incorrect payments, refund requests, or payment disputes.
Service Quality: General complaints about poor service, lack of communication, or unsatisfactory experience.
Safety Concern: Issues related to unsafe behavior by the delivery partner, or any situation that posed a safety risk.
Other: Issues that do not fit into the above categories.

You must respond in exactly this format:

Classification: <Critical / Neutral / Non-Critical>
Bucket: <Rude Behavior / Delivery Issues / Payment/Charges / Service Quality / Safety Concern / Other>
Justification: <One sentence>
Score: <0 to 10>

Respond in the format exactly as shown above. Do not add any extra text.
`

const scalarText = `You are an AI assistant that rates customer feedback about delivery riders.
Rate the severity of the rider's misconduct described in the message on a scale from 0 to 10, where:
0 means no misconduct at all (praise, unrelated messages, or issues not caused by the rider),
5 means clear but non-threatening misconduct (rudeness, carelessness, ignoring instructions),
10 means severe misconduct (threats, violence, harassment, theft, or endangering the customer).

Respond with a single integer between 0 and 10 and nothing else.
`

var (
	Structured = Template{
		Name:     "Delivery feedback classifier",
		Schema:   SchemaStructured,
		Text:     structuredText,
		Editable: true,
	}

	Scalar = Template{
		Name:   "Rider misconduct score",
		Schema: SchemaScalar,
		Text:   scalarText,
	}
)

// ForSchema returns the built-in template for s.
func ForSchema(s Schema) (Template, error) {
	switch s {
	case SchemaStructured:
		return Structured, nil
	case SchemaScalar:
		return Scalar, nil
	default:
		return Template{}, fmt.Errorf("unknown schema %q", s)
	}
}

func All() []Template {
	return []Template{Structured, Scalar}
}
