// internal/service/template_service.go
package service

import (
	"fmt"
	"html"
	"strings"

	"github.com/unclebandit/mailstorm-backend/internal/model"
)

// RenderTemplate replaces every {{key}} with its value.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{{"+k+"}}", v)
	}
	return result
}

// Personalize fills the recipient placeholders. The legacy single-brace
// {name} form is accepted too. Running it twice is harmless.
func Personalize(text, name, email string) string {
	out := RenderTemplate(text, map[string]string{
		"name":  name,
		"email": email,
	})
	return strings.ReplaceAll(out, "{name}", name)
}

// TemplateService renders campaign emails with their tracking pixel and
// unsubscribe footer.
type TemplateService struct {
	BaseURL string
}

func (t *TemplateService) PixelURL(campaignID, recipientID, ownerID int64) string {
	return fmt.Sprintf("%s/api/opens/track/%d/%d?ownerId=%d", t.BaseURL, campaignID, recipientID, ownerID)
}

func (t *TemplateService) UnsubscribeURL(campaignID, recipientID, ownerID int64) string {
	return fmt.Sprintf("%s/api/unsubscribe/%d/%d?ownerId=%d", t.BaseURL, campaignID, recipientID, ownerID)
}

// ViewURL points at the browser copy of the email.
func (t *TemplateService) ViewURL(campaignID, recipientID, ownerID int64) string {
	return fmt.Sprintf("%s/api/campaigns/%d/view/%d?ownerId=%d", t.BaseURL, campaignID, recipientID, ownerID)
}

// RenderEmail returns the personalized subject and HTML body for one recipient.
func (t *TemplateService) RenderEmail(c *model.Campaign, r model.Recipient) (subject, body string) {
	subject = Personalize(c.Subject, r.Name, r.Email)

	var b strings.Builder
	b.WriteString(Personalize(c.Body, html.EscapeString(r.Name), html.EscapeString(r.Email)))
	fmt.Fprintf(&b,
		`<img src="%s" width="1" height="1" alt="" style="display:none;border:0;" />`,
		t.PixelURL(c.ID, r.ID, c.OwnerID),
	)
	fmt.Fprintf(&b,
		`<div style="margin-top:24px;font-size:12px;color:#888;text-align:center;">`+
			`<a href="%s" style="color:#888;">View in browser</a> | `,
		t.ViewURL(c.ID, r.ID, c.OwnerID),
	)
	t.writeFooter(&b, c, r)
	return subject, b.String()
}

// RenderView is the browser copy: the same personalized body and footer, no
// pixel since the page fetch itself counts as the open.
func (t *TemplateService) RenderView(c *model.Campaign, r model.Recipient) (subject, page string) {
	subject = Personalize(c.Subject, r.Name, r.Email)

	var b strings.Builder
	fmt.Fprintf(&b,
		`<!DOCTYPE html><html><head><meta charset="UTF-8"><title>%s</title></head>`+
			`<body style="max-width:640px;margin:0 auto;padding:24px;font-family:Arial,sans-serif;">`,
		html.EscapeString(subject),
	)
	b.WriteString(Personalize(c.Body, html.EscapeString(r.Name), html.EscapeString(r.Email)))
	b.WriteString(`<div style="margin-top:24px;font-size:12px;color:#888;text-align:center;">`)
	t.writeFooter(&b, c, r)
	b.WriteString(`</body></html>`)
	return subject, b.String()
}

func (t *TemplateService) writeFooter(b *strings.Builder, c *model.Campaign, r model.Recipient) {
	fmt.Fprintf(b,
		`You received this email because you are on our list. `+
			`<a href="%s" style="color:#888;">Unsubscribe</a></div>`,
		t.UnsubscribeURL(c.ID, r.ID, c.OwnerID),
	)
}
