package alert

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/hed1ad/txguard/pkg/features"
	"github.com/hed1ad/txguard/pkg/transaction"
)

var bodyTemplate = template.Must(template.New("alert").Parse(`<html>
  <body>
    <h2>Fraudulent Transaction Alert</h2>
    <p><strong>ID:</strong> {{.ID}}</p>
    <p><strong>Owner:</strong> {{.OwnerID}}</p>
    <p><strong>Amount:</strong> ${{.Amount}}</p>
    <p><strong>Date:</strong> {{.Date}}</p>
    <p><strong>Confidence:</strong> {{.Confidence}}%</p>
    <h3>Reasons:</h3>
    <ul>
    {{- range .Reasons}}
      <li>{{.}}</li>
    {{- end}}
    </ul>
    <p><a href="{{.DashboardURL}}">View in dashboard</a></p>
  </body>
</html>
`))

type bodyData struct {
	ID           int64
	OwnerID      int64
	Amount       string
	Date         string
	Confidence   string
	Reasons      []string
	DashboardURL string
}

// Subject formats the alert subject line.
func Subject(tx transaction.Transaction) string {
	return fmt.Sprintf("FRAUD ALERT: transaction #%d - $%s", tx.ID, tx.Amount.StringFixed(2))
}

// Render builds the subject and HTML body for tx. An empty dashboard URL
// renders as "#".
func Render(tx transaction.Transaction, details Details, dashboardURL string) (Message, error) {
	if dashboardURL == "" {
		dashboardURL = "#"
	}
	var buf bytes.Buffer
	err := bodyTemplate.Execute(&buf, bodyData{
		ID:           tx.ID,
		OwnerID:      tx.OwnerID,
		Amount:       tx.Amount.StringFixed(2),
		Date:         tx.Timestamp.Format(features.TimestampLayout),
		Confidence:   fmt.Sprintf("%.1f", details.Confidence*100),
		Reasons:      details.Reasons,
		DashboardURL: dashboardURL,
	})
	if err != nil {
		return Message{}, fmt.Errorf("render alert body: %w", err)
	}
	return Message{Subject: Subject(tx), HTML: buf.String()}, nil
}
