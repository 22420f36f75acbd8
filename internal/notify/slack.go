package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// SlackNotifier posts run notifications to a Slack incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// SlackMessage is the webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment carries the run details below the headline
type SlackAttachment struct {
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField is one labelled value of an attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a new Slack notifier
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// ToJSON converts the message to JSON
func (m *SlackMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// SlackColor returns the Slack color for a notification type
func SlackColor(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "good"
	case NotifyWarning:
		return "warning"
	case NotifyError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// SlackMessageFor builds the webhook payload for n. Query, status and
// warnings become attachment fields.
func SlackMessageFor(n Notification) SlackMessage {
	att := SlackAttachment{
		Color:     SlackColor(n.Type),
		Title:     n.RunID,
		TitleLink: n.URL,
		Text:      n.Message,
		Footer:    "trend-orch",
	}
	if len(n.Query) > 0 {
		att.Fields = append(att.Fields, SlackField{Title: "Query", Value: strings.Join(n.Query, ", "), Short: true})
	}
	if n.Status != "" {
		att.Fields = append(att.Fields, SlackField{Title: "Status", Value: n.Status, Short: true})
	}
	if len(n.Warnings) > 0 {
		att.Fields = append(att.Fields, SlackField{Title: "Warnings", Value: strings.Join(n.Warnings, "\n")})
	}
	if !n.At.IsZero() {
		att.Timestamp = n.At.Unix()
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

// Send posts n to the webhook
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil // Disabled
	}

	msg := SlackMessageFor(n)
	payload, err := msg.ToJSON()
	if err != nil {
		return eris.Wrap(err, "notify: encode slack message")
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: post to slack")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("notify: slack returned %d", resp.StatusCode)
	}

	return nil
}
