package export

import (
	"bytes"
	"embed"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

var reportTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"nonEmpty": func(notes []string) []string {
			out := make([]string, 0, len(notes))
			for _, n := range notes {
				if strings.TrimSpace(n) != "" {
					out = append(out, n)
				}
			}
			return out
		},
	}

	templateContent, err := templateFS.ReadFile("templates/report.html")
	if err != nil {
		reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(fallbackTemplate))
		return
	}

	reportTemplate = template.Must(template.New("report").Funcs(funcMap).Parse(string(templateContent)))
}

// ReportData holds data for report template rendering
type ReportData struct {
	Title         string
	AttackVersion string
	AppVersion    string
	GeneratedAt   time.Time
	Tactics       []ReportTactic
}

type ReportTactic struct {
	ID         string
	Name       string
	URL        string
	Techniques []ReportTechnique
}

type ReportTechnique struct {
	ID    string
	Name  string
	URL   string
	Notes []string
}

// RenderReportHTML renders the report template with provided data
func RenderReportHTML(data ReportData) (string, error) {
	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// fallbackTemplate is used if the embedded template fails to load
const fallbackTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>{{.Title}}</title></head>
<body>
  <h1>{{.Title}}</h1>
  <p>{{.AttackVersion}}</p>
  {{range .Tactics}}<h2>{{.Name}} ({{.ID}})</h2>
  <ul>{{range .Techniques}}<li>{{.Name}} ({{.ID}}){{range nonEmpty .Notes}}<p>{{.}}</p>{{end}}</li>{{end}}</ul>
  {{end}}
</body>
</html>`
