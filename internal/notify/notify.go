// Package notify renders and dispatches the engine's user-facing
// notifications: e-mail (HTML), chat (plain text), and outbound webhooks
// (spec §6, §7).
package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"

	htmltemplate "html/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Mailer is the outbound contract for the mail queue (spec §6): an external
// collaborator, only its enqueue shape is specified here.
type Mailer interface {
	EnqueueUserEmail(recipients []string, htmlBody, subject string) error
}

// Chatter is the outbound contract for the chat queue (spec §6).
type Chatter interface {
	EnqueueUserChat(recipients []string, plainBody string) error
}

// Webhooks posts the outbound webhook form body (spec §6).
type Webhooks struct {
	PostURL string
	Client   *http.Client
}

// NewWebhooks constructs a Webhooks sender with the spec-mandated 3s
// timeout.
func NewWebhooks(postURL string) *Webhooks {
	return &Webhooks{PostURL: postURL, Client: &http.Client{Timeout: 3 * time.Second}}
}

// Post sends one reason=pushmanager webhook associating left with right.
// Failures are logged by the caller and dropped — this never retries.
func (w *Webhooks) Post(ctx context.Context, leftType string, leftToken interface{}, rightType string, rightToken interface{}) error {
	if w.PostURL == "" {
		return nil
	}
	body := url.Values{
		"reason":     {"pushmanager"},
		"left_type":  {leftType},
		"left_token": {fmt.Sprint(leftToken)},
		"right_type": {rightType},
		"right_token": {fmt.Sprint(rightToken)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.PostURL, strings.NewReader(body.Encode()))
	if err != nil {
		return errors.Wrap(err, "building webhook request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := w.Client.Do(req)
	if err != nil {
		return errors.Wrap(err, "posting webhook")
	}
	defer resp.Body.Close()
	return nil
}

// SafeHTML marks a string as pre-rendered HTML so the template layer
// interpolates it without escaping. Only named fields — `conflicts` and
// `failure_msg` per the design note — may be passed this way; everything
// else is escaped automatically by html/template.
type SafeHTML = htmltemplate.HTML

// Funcs is the sprig-provided template function map shared by every
// notification body, grounded on microsoft-go-infra's pipelineymlgen/expr.go
// use of sprig with text/template.
func Funcs() template.FuncMap {
	return sprig.HermeticTxtFuncMap()
}

// renderHTML executes an html/template body against data. data's values may
// include SafeHTML fields for pre-rendered content; every other value is
// escaped.
func renderHTML(name, body string, data map[string]interface{}) (string, error) {
	tmpl, err := htmltemplate.New(name).Funcs(htmltemplate.FuncMap(Funcs())).Parse(body)
	if err != nil {
		return "", errors.Wrapf(err, "parsing %s template", name)
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", errors.Wrapf(err, "executing %s template", name)
	}
	return sb.String(), nil
}

// LoggingMailer satisfies Mailer by logging instead of delivering — a
// stand-in for whatever real mail queue a deployment wires in, since the
// engine only specifies the enqueue contract (spec §6).
type LoggingMailer struct {
	Logger log.Logger
}

// EnqueueUserEmail logs the would-be e-mail at info level.
func (m LoggingMailer) EnqueueUserEmail(recipients []string, htmlBody, subject string) error {
	level.Info(m.Logger).Log("msg", "enqueue user email", "recipients", strings.Join(recipients, ","), "subject", subject)
	return nil
}

// LoggingChatter satisfies Chatter the same way.
type LoggingChatter struct {
	Logger log.Logger
}

// EnqueueUserChat logs the would-be chat message at info level.
func (c LoggingChatter) EnqueueUserChat(recipients []string, plainBody string) error {
	level.Info(c.Logger).Log("msg", "enqueue user chat", "recipients", strings.Join(recipients, ","))
	return nil
}

// Dispatcher wires a Mailer, Chatter, and Webhooks sender behind the single
// narrow interface the verify and conflict engines depend on, so neither
// needs to know about mail/chat queues directly.
type Dispatcher struct {
	Mailer   Mailer
	Chatter  Chatter
	Webhooks *Webhooks
}

// EnqueueUserEmail satisfies verify.Notifier / conflict.Notifier.
func (d *Dispatcher) EnqueueUserEmail(recipients []string, htmlBody, subject string) error {
	return d.Mailer.EnqueueUserEmail(recipients, htmlBody, subject)
}

// EnqueueUserChat satisfies conflict.Notifier.
func (d *Dispatcher) EnqueueUserChat(recipients []string, plainBody string) error {
	return d.Chatter.EnqueueUserChat(recipients, plainBody)
}

// PostWebhook satisfies verify.Notifier.
func (d *Dispatcher) PostWebhook(ctx context.Context, leftType string, leftToken interface{}, rightType string, rightToken interface{}) error {
	return d.Webhooks.Post(ctx, leftType, leftToken, rightType, rightToken)
}
