package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"sort"
	"strings"

	"go.uber.org/zap"
)

type Sender struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string

	logger *zap.Logger
	// send is smtp.SendMail outside of tests
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSender(host, port, username, password, from string, logger *zap.Logger) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
		From:     from,
		logger:   logger,
		send:     smtp.SendMail,
	}
}

var verificationTemplate = template.Must(template.New("verification").Parse(`
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; border: 1px solid #ddd; border-radius: 5px; }
        .header { background-color: #6200ee; color: white; padding: 10px; text-align: center; border-radius: 5px 5px 0 0; }
        .content { padding: 20px; }
        .code { font-size: 2em; letter-spacing: 0.3em; text-align: center; font-weight: bold; }
        .footer { margin-top: 20px; font-size: 0.8em; color: #777; text-align: center; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Welcome to npchat!</h1>
        </div>
        <div class="content">
            <p>Hi {{.Username}},</p>
            <p>Enter this code to finish creating your account. It expires in {{.Expiry}}.</p>
            <p class="code">{{.Code}}</p>
            <p>If you didn't create an account, you can safely ignore this email.</p>
        </div>
        <div class="footer">
            <p>&copy; 2026 npchat</p>
        </div>
    </div>
</body>
</html>
`))

func (s *Sender) buildMessage(to, username, code, expiry string) ([]byte, error) {
	var body bytes.Buffer
	if err := verificationTemplate.Execute(&body, map[string]string{"Username": username, "Code": code, "Expiry": expiry}); err != nil {
		return nil, fmt.Errorf("failed to execute template: %w", err)
	}

	// Email headers
	headers := map[string]string{
		"From":         s.From,
		"To":           to,
		"Subject":      "Your npchat verification code",
		"MIME-Version": "1.0",
		"Content-Type": "text/html; charset=\"UTF-8\"",
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var msg strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&msg, "%s: %s\r\n", k, headers[k])
	}
	msg.WriteString("\r\n")
	msg.Write(body.Bytes())
	return []byte(msg.String()), nil
}

// SendVerificationCode mails the registration code to the user. With no
// SMTP host configured the code is logged instead.
func (s *Sender) SendVerificationCode(to, username, code, expiry string) error {
	if s.Host == "" {
		s.logger.Info("verification code (no SMTP host configured)",
			zap.String("to", to),
			zap.String("username", username),
			zap.String("code", code),
		)
		return nil
	}

	msg, err := s.buildMessage(to, username, code, expiry)
	if err != nil {
		return err
	}
	auth := smtp.PlainAuth("", s.Username, s.Password, s.Host)
	addr := fmt.Sprintf("%s:%s", s.Host, s.Port)
	if err := s.send(addr, auth, s.From, []string{to}, msg); err != nil {
		return fmt.Errorf("send verification email: %w", err)
	}
	return nil
}
