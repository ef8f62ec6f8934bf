package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	imapclient "github.com/emersion/go-imap/client"
	msgmail "github.com/emersion/go-message/mail"
	gomail "github.com/wneessen/go-mail"
)

// mailAccount is the per-user configuration shared by the mail tools.
type mailAccount struct {
	IMAPHost string `json:"imap_host"`
	IMAPPort int    `json:"imap_port"`
	SMTPHost string `json:"smtp_host"`
	SMTPPort int    `json:"smtp_port"`
	Username string `json:"username"`
	Password string `json:"password"`
	From     string `json:"from"`
}

var mailConfigSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"imap_host": {"type": "string"},
		"imap_port": {"type": "integer"},
		"smtp_host": {"type": "string"},
		"smtp_port": {"type": "integer"},
		"username": {"type": "string"},
		"password": {"type": "string"},
		"from": {"type": "string"}
	},
	"required": ["imap_host", "smtp_host", "username", "password", "from"],
	"additionalProperties": false
}`)

func loadMailAccount(uc UserContext) (*mailAccount, error) {
	if uc.Config == nil {
		return nil, fmt.Errorf("mail: no account configured for user")
	}
	var acct mailAccount
	if err := json.Unmarshal(uc.Config, &acct); err != nil {
		return nil, fmt.Errorf("mail: decode account config: %w", err)
	}
	if acct.IMAPPort == 0 {
		acct.IMAPPort = 993
	}
	if acct.SMTPPort == 0 {
		acct.SMTPPort = 587
	}
	return &acct, nil
}

func (a *mailAccount) dialIMAP() (*imapclient.Client, error) {
	c, err := imapclient.DialTLS(fmt.Sprintf("%s:%d", a.IMAPHost, a.IMAPPort), nil)
	if err != nil {
		return nil, fmt.Errorf("mail: dial imap: %w", err)
	}
	if err := c.Login(a.Username, a.Password); err != nil {
		c.Logout()
		return nil, fmt.Errorf("mail: login: %w", err)
	}
	return c, nil
}

func (a *mailAccount) send(ctx context.Context, build func(*gomail.Msg) error) error {
	msg := gomail.NewMsg()
	if err := msg.From(a.From); err != nil {
		return fmt.Errorf("mail: from address: %w", err)
	}
	if err := build(msg); err != nil {
		return err
	}
	client, err := gomail.NewClient(a.SMTPHost,
		gomail.WithPort(a.SMTPPort),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(a.Username),
		gomail.WithPassword(a.Password),
	)
	if err != nil {
		return fmt.Errorf("mail: smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("mail: send: %w", err)
	}
	return nil
}

// RecentMail lists the newest messages in the user's inbox.
type RecentMail struct{}

func NewRecentMail() *RecentMail { return &RecentMail{} }

func (t *RecentMail) Name() string { return "recent_mail" }
func (t *RecentMail) Description() string {
	return "List the most recent messages in the user's inbox."
}

func (t *RecentMail) ArgsSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"limit": {"type": "integer", "minimum": 1, "maximum": 50}
		},
		"additionalProperties": false
	}`)
}

func (t *RecentMail) ConfigSchema() json.RawMessage { return mailConfigSchema }

func (t *RecentMail) Execute(ctx context.Context, args json.RawMessage, uc UserContext) (string, error) {
	var in struct {
		Limit int `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("recent_mail: decode args: %w", err)
	}
	if in.Limit == 0 {
		in.Limit = 10
	}

	acct, err := loadMailAccount(uc)
	if err != nil {
		return "", err
	}
	c, err := acct.dialIMAP()
	if err != nil {
		return "", err
	}
	defer c.Logout()

	mbox, err := c.Select("INBOX", true)
	if err != nil {
		return "", fmt.Errorf("recent_mail: select inbox: %w", err)
	}
	if mbox.Messages == 0 {
		return "inbox is empty", nil
	}

	from := uint32(1)
	if mbox.Messages > uint32(in.Limit) {
		from = mbox.Messages - uint32(in.Limit) + 1
	}
	seqset := new(imap.SeqSet)
	seqset.AddRange(from, mbox.Messages)

	messages := make(chan *imap.Message, in.Limit)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope}, messages)
	}()

	type summary struct {
		Seq     uint32 `json:"seq"`
		From    string `json:"from"`
		Subject string `json:"subject"`
		Date    string `json:"date"`
	}
	var out []summary
	for msg := range messages {
		if msg.Envelope == nil {
			continue
		}
		sender := ""
		if len(msg.Envelope.From) > 0 {
			sender = msg.Envelope.From[0].Address()
		}
		out = append(out, summary{
			Seq:     msg.SeqNum,
			From:    sender,
			Subject: msg.Envelope.Subject,
			Date:    msg.Envelope.Date.Format(time.RFC3339),
		})
	}
	if err := <-done; err != nil {
		return "", fmt.Errorf("recent_mail: fetch: %w", err)
	}

	// Newest first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("recent_mail: encode result: %w", err)
	}
	return string(encoded), nil
}

// GetMailContent fetches the plain-text body of one message.
type GetMailContent struct{}

func NewGetMailContent() *GetMailContent { return &GetMailContent{} }

func (t *GetMailContent) Name() string { return "get_mail_content" }
func (t *GetMailContent) Description() string {
	return "Fetch the full text of one message by its sequence number."
}

func (t *GetMailContent) ArgsSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"seq": {"type": "integer", "minimum": 1, "description": "Sequence number from recent_mail"}
		},
		"required": ["seq"],
		"additionalProperties": false
	}`)
}

func (t *GetMailContent) ConfigSchema() json.RawMessage { return mailConfigSchema }

func (t *GetMailContent) Execute(ctx context.Context, args json.RawMessage, uc UserContext) (string, error) {
	var in struct {
		Seq uint32 `json:"seq"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("get_mail_content: decode args: %w", err)
	}

	acct, err := loadMailAccount(uc)
	if err != nil {
		return "", err
	}
	c, err := acct.dialIMAP()
	if err != nil {
		return "", err
	}
	defer c.Logout()

	if _, err := c.Select("INBOX", true); err != nil {
		return "", fmt.Errorf("get_mail_content: select inbox: %w", err)
	}

	msg, body, err := fetchMessageBody(c, in.Seq)
	if err != nil {
		return "", err
	}

	out := map[string]string{
		"subject": msg.Envelope.Subject,
		"date":    msg.Envelope.Date.Format(time.RFC3339),
		"body":    body,
	}
	if len(msg.Envelope.From) > 0 {
		out["from"] = msg.Envelope.From[0].Address()
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("get_mail_content: encode result: %w", err)
	}
	return string(encoded), nil
}

// fetchMessageBody pulls one message's envelope and decodes its first
// text part.
func fetchMessageBody(c *imapclient.Client, seq uint32) (*imap.Message, string, error) {
	seqset := new(imap.SeqSet)
	seqset.AddNum(seq)
	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, items, messages)
	}()
	msg := <-messages
	if err := <-done; err != nil {
		return nil, "", fmt.Errorf("mail: fetch message %d: %w", seq, err)
	}
	if msg == nil {
		return nil, "", fmt.Errorf("mail: message %d not found", seq)
	}

	r := msg.GetBody(section)
	if r == nil {
		return msg, "", nil
	}
	mr, err := msgmail.CreateReader(r)
	if err != nil {
		return nil, "", fmt.Errorf("mail: parse message %d: %w", seq, err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("mail: read part: %w", err)
		}
		if _, ok := part.Header.(*msgmail.InlineHeader); ok {
			text, err := io.ReadAll(io.LimitReader(part.Body, 64<<10))
			if err != nil {
				return nil, "", fmt.Errorf("mail: read body: %w", err)
			}
			return msg, strings.TrimSpace(string(text)), nil
		}
	}
	return msg, "", nil
}

// SendMail sends a new message from the user's account.
type SendMail struct{}

func NewSendMail() *SendMail { return &SendMail{} }

func (t *SendMail) Name() string { return "send_mail" }
func (t *SendMail) Description() string {
	return "Send an email from the user's account."
}

func (t *SendMail) ArgsSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"to": {"type": "string", "description": "Recipient address"},
			"subject": {"type": "string"},
			"body": {"type": "string"}
		},
		"required": ["to", "subject", "body"],
		"additionalProperties": false
	}`)
}

func (t *SendMail) ConfigSchema() json.RawMessage { return mailConfigSchema }

func (t *SendMail) Execute(ctx context.Context, args json.RawMessage, uc UserContext) (string, error) {
	var in struct {
		To      string `json:"to"`
		Subject string `json:"subject"`
		Body    string `json:"body"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("send_mail: decode args: %w", err)
	}

	acct, err := loadMailAccount(uc)
	if err != nil {
		return "", err
	}
	err = acct.send(ctx, func(msg *gomail.Msg) error {
		if err := msg.To(in.To); err != nil {
			return fmt.Errorf("send_mail: to address: %w", err)
		}
		msg.Subject(in.Subject)
		msg.SetBodyString(gomail.TypeTextPlain, in.Body)
		return nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("sent to %s", in.To), nil
}

// ReplyMail answers an existing message, threading via In-Reply-To.
type ReplyMail struct{}

func NewReplyMail() *ReplyMail { return &ReplyMail{} }

func (t *ReplyMail) Name() string { return "reply_mail" }
func (t *ReplyMail) Description() string {
	return "Reply to a message in the user's inbox."
}

func (t *ReplyMail) ArgsSchema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"seq": {"type": "integer", "minimum": 1, "description": "Sequence number from recent_mail"},
			"body": {"type": "string"}
		},
		"required": ["seq", "body"],
		"additionalProperties": false
	}`)
}

func (t *ReplyMail) ConfigSchema() json.RawMessage { return mailConfigSchema }

func (t *ReplyMail) Execute(ctx context.Context, args json.RawMessage, uc UserContext) (string, error) {
	var in struct {
		Seq  uint32 `json:"seq"`
		Body string `json:"body"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("reply_mail: decode args: %w", err)
	}

	acct, err := loadMailAccount(uc)
	if err != nil {
		return "", err
	}
	c, err := acct.dialIMAP()
	if err != nil {
		return "", err
	}
	defer c.Logout()

	if _, err := c.Select("INBOX", true); err != nil {
		return "", fmt.Errorf("reply_mail: select inbox: %w", err)
	}
	orig, _, err := fetchMessageBody(c, in.Seq)
	if err != nil {
		return "", err
	}
	if len(orig.Envelope.From) == 0 {
		return "", fmt.Errorf("reply_mail: message %d has no sender", in.Seq)
	}
	to := orig.Envelope.From[0].Address()

	subject := orig.Envelope.Subject
	if !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}

	err = acct.send(ctx, func(msg *gomail.Msg) error {
		if err := msg.To(to); err != nil {
			return fmt.Errorf("reply_mail: to address: %w", err)
		}
		msg.Subject(subject)
		if orig.Envelope.MessageId != "" {
			msg.SetGenHeader(gomail.HeaderInReplyTo, orig.Envelope.MessageId)
		}
		msg.SetBodyString(gomail.TypeTextPlain, in.Body)
		return nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("replied to %s", to), nil
}
