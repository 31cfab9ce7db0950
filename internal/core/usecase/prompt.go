package usecase

import (
	"fmt"
	"strings"

	"github.com/kirillkom/energy-data-assistant/internal/core/domain"
)

// DefaultPromptTemplate grounds the completion in the retrieved sources and
// shows the expected "source: fact" citation style with one worked example.
const DefaultPromptTemplate = "You are an intelligent assistant helping Contoso Inc employees with questions about their data stored in Azure Data Manager for Energy (ADME). " +
	"Use 'you' to refer to the individual asking the questions even if they ask with 'I'. " +
	"Answer the following question using only the data provided in the sources below. " +
	"For tabular information return it as an html table. Do not return markdown format. " +
	"Each source has a name followed by colon and the actual information, always include the source name for each fact you use in the response. " +
	"If you cannot answer using the sources below, say you don't know. " + `

###
Question: 'Who is the operator of wellbore 1014?'

Sources:
contoso-opendes:master-data--Wellbore:1014: CurrentOperatorID: contoso-opendesw:master-data--Organisation:Vermilion%20Energy%20Netherlands%20B.V.:

Answer:
The operator of wellbore 1014 is Vermilion Energy Netherlands B.V.

###
Question: '{q}'?

Sources:
{retrieved}

Answer:
`

var newlineFlattener = strings.NewReplacer("\n", " ", "\r", " ")

// BuildEvidence renders one single-line evidence item per result. Captions are
// used when requested and present; otherwise the record content.
func BuildEvidence(results []domain.SearchResult, useCaptions bool) []string {
	items := make([]string, 0, len(results))
	for _, r := range results {
		text := r.Content
		if useCaptions && len(r.Captions) > 0 {
			text = strings.Join(r.Captions, " . ")
		}
		items = append(items, newlineFlattener.Replace(text))
	}
	return items
}

// RenderPrompt substitutes {q} and {retrieved}. Doubled braces are literal;
// any other placeholder is rejected.
func RenderPrompt(template, question, retrieved string) (string, error) {
	var b strings.Builder
	b.Grow(len(template) + len(question) + len(retrieved))

	for i := 0; i < len(template); i++ {
		c := template[i]
		switch c {
		case '{':
			if i+1 < len(template) && template[i+1] == '{' {
				b.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(template[i:], '}')
			if end < 0 {
				return "", domain.WrapError(domain.ErrInvalidInput, "render prompt", fmt.Errorf("unterminated placeholder at offset %d", i))
			}
			switch name := template[i+1 : i+end]; name {
			case "q":
				b.WriteString(question)
			case "retrieved":
				b.WriteString(retrieved)
			default:
				return "", domain.WrapError(domain.ErrInvalidInput, "render prompt", fmt.Errorf("unknown placeholder {%s}", name))
			}
			i += end
		case '}':
			if i+1 < len(template) && template[i+1] == '}' {
				b.WriteByte('}')
				i++
				continue
			}
			return "", domain.WrapError(domain.ErrInvalidInput, "render prompt", fmt.Errorf("single '}' at offset %d", i))
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func renderThoughts(question, prompt string) string {
	return "Question:<br>" + question + "<br><br>Prompt:<br>" + strings.ReplaceAll(prompt, "\n", "<br>")
}
