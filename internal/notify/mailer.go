// Package notify は新規サインイン通知メールの送信を提供する。
// 送信はリクエスト処理から切り離されたワーカーで行い、失敗はログのみに記録する。
package notify

import (
	"context"
	"errors"
	"fmt"

	"gopkg.in/gomail.v2"
)

// Message は送信するメール1通分。
type Message struct {
	To       string
	Subject  string
	Body     string
	HTMLBody string
}

// Mailer はメール送信のインターフェース。テスト時にモックに差し替え可能。
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPConfig はSMTP接続設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// SMTPMailer はgomailを使用したSMTP送信の実装。
type SMTPMailer struct {
	from   string
	dialer *gomail.Dialer
}

var _ Mailer = (*SMTPMailer)(nil)

// NewSMTPMailer は新しいSMTPMailerを生成する。
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	if cfg.Host == "" {
		return nil, errors.New("smtp host is required")
	}
	if cfg.From == "" {
		return nil, errors.New("smtp from address is required")
	}

	return &SMTPMailer{
		from:   cfg.From,
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
	}, nil
}

// Send はメールを1通送信する。
// gomailはcontextを受け付けないため、送信前にキャンセル済みかのみ確認する。
func (m *SMTPMailer) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return errors.New("no recipient specified")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := m.dialer.DialAndSend(m.build(msg)); err != nil {
		return fmt.Errorf("failed to send mail: %w", err)
	}
	return nil
}

func (m *SMTPMailer) build(msg Message) *gomail.Message {
	gm := gomail.NewMessage()
	gm.SetHeader("From", m.from)
	gm.SetHeader("To", msg.To)
	gm.SetHeader("Subject", msg.Subject)
	gm.SetBody("text/plain", msg.Body)
	if msg.HTMLBody != "" {
		gm.AddAlternative("text/html", msg.HTMLBody)
	}
	return gm
}
