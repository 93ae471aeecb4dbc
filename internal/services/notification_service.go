// internal/services/notification_service.go
package services

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-licensing/internal/config"
	"github.com/javajoker/imi-licensing/internal/events"
	"github.com/javajoker/imi-licensing/internal/metrics"
	"github.com/javajoker/imi-licensing/internal/models"
	"github.com/javajoker/imi-licensing/internal/repository"
)

// Mailer delivers one rendered email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// SMTPMailer sends mail through the configured relay. Without a host it only
// logs what would have been sent.
type SMTPMailer struct {
	cfg config.EmailConfig
}

func NewSMTPMailer(cfg config.EmailConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg}
}

func (m *SMTPMailer) Send(ctx context.Context, to, subject, body string) error {
	if m.cfg.SMTPHost == "" {
		logrus.WithFields(logrus.Fields{
			"to":      to,
			"subject": subject,
		}).Debug("Email not configured, skipping delivery")
		return nil
	}

	auth := smtp.PlainAuth("", m.cfg.SMTPUsername, m.cfg.SMTPPassword, m.cfg.SMTPHost)
	msg := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n%s", to, subject, body))
	addr := fmt.Sprintf("%s:%s", m.cfg.SMTPHost, m.cfg.SMTPPort)
	return smtp.SendMail(addr, auth, m.cfg.FromEmail, []string{to}, msg)
}

type EmailTemplate struct {
	Subject string
	Body    string
}

// Admin notification priorities
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
)

// NotificationService turns lifecycle events into emails for the parties of
// a license and into admin notifications. Delivery is best effort: failures
// are logged and counted, and never returned to the dispatcher.
type NotificationService struct {
	store   repository.Store
	mailer  Mailer
	metrics *metrics.Metrics
	baseURL string
}

func NewNotificationService(store repository.Store, mailer Mailer, baseURL string, m *metrics.Metrics) *NotificationService {
	return &NotificationService{
		store:   store,
		mailer:  mailer,
		metrics: m,
		baseURL: baseURL,
	}
}

// Register subscribes the notifier to the events it reacts to.
func (s *NotificationService) Register(sub events.Subscriber) {
	sub.Subscribe(events.TypeLicenseStatusChanged, s.onStatusChanged)
	sub.Subscribe(events.TypeAmendmentProposed, s.onAmendmentProposed)
	sub.Subscribe(events.TypeAmendmentResolved, s.onAmendmentResolved)
	sub.Subscribe(events.TypeExtensionRequested, s.onExtensionRequested)
	sub.Subscribe(events.TypeExtensionResolved, s.onExtensionResolved)
	sub.Subscribe(events.TypeRenewalOfferGenerated, s.onRenewalOffer)
}

func (s *NotificationService) onStatusChanged(ctx context.Context, event events.Event) error {
	var p events.LicenseStatusChanged
	if err := event.Decode(&p); err != nil {
		return err
	}

	switch p.To {
	case models.LicenseStatusDisputed, models.LicenseStatusSuspended, models.LicenseStatusTerminated:
		s.notifyAdmins(ctx, &models.AdminNotification{
			Type:                "license_" + string(p.To),
			Title:               fmt.Sprintf("License %s", p.To),
			Message:             fmt.Sprintf("License %s moved from %s to %s: %s", p.LicenseID, p.From, p.To, p.Reason),
			Priority:            PriorityHigh,
			RelatedResourceType: resourceLicense,
			RelatedResourceID:   &p.LicenseID,
		})
	}

	name := ""
	switch p.To {
	case models.LicenseStatusActive:
		name = "license_active"
	case models.LicenseStatusExpiringSoon:
		name = "license_expiring"
	case models.LicenseStatusExpired:
		name = "license_expired"
	case models.LicenseStatusRejected:
		name = "license_rejected"
	case models.LicenseStatusDisputed, models.LicenseStatusSuspended, models.LicenseStatusTerminated:
		name = "license_status"
	default:
		return nil
	}

	recipients := s.licenseParties(ctx, p.BrandID, p.IPAssetID)
	s.deliver(ctx, name, recipients, map[string]interface{}{
		"LicenseID":  p.LicenseID,
		"From":       p.From,
		"To":         p.To,
		"Reason":     p.Reason,
		"LicenseURL": s.licenseURL(p.LicenseID),
	})
	return nil
}

func (s *NotificationService) onAmendmentProposed(ctx context.Context, event events.Event) error {
	var p events.AmendmentProposed
	if err := event.Decode(&p); err != nil {
		return err
	}
	s.deliver(ctx, "amendment_proposed", s.users(ctx, p.ApproverIDs), map[string]interface{}{
		"LicenseID":       p.LicenseID,
		"AmendmentNumber": p.AmendmentNumber,
		"Type":            p.Type,
		"Deadline":        p.Deadline.Format(dateLayout),
		"LicenseURL":      s.licenseURL(p.LicenseID),
	})
	return nil
}

func (s *NotificationService) onAmendmentResolved(ctx context.Context, event events.Event) error {
	var p events.AmendmentResolved
	if err := event.Decode(&p); err != nil {
		return err
	}
	s.deliver(ctx, "amendment_resolved", s.users(ctx, []uuid.UUID{p.ProposedBy}), map[string]interface{}{
		"LicenseID":  p.LicenseID,
		"Status":     p.Status,
		"Note":       p.Note,
		"LicenseURL": s.licenseURL(p.LicenseID),
	})
	return nil
}

func (s *NotificationService) onExtensionRequested(ctx context.Context, event events.Event) error {
	var p events.ExtensionRequested
	if err := event.Decode(&p); err != nil {
		return err
	}
	if len(p.ApproverIDs) == 0 {
		return nil
	}
	s.deliver(ctx, "extension_requested", s.users(ctx, p.ApproverIDs), map[string]interface{}{
		"LicenseID":     p.LicenseID,
		"ExtensionDays": p.ExtensionDays,
		"Fee":           formatCents(p.AdditionalFeeCents),
		"LicenseURL":    s.licenseURL(p.LicenseID),
	})
	return nil
}

func (s *NotificationService) onExtensionResolved(ctx context.Context, event events.Event) error {
	var p events.ExtensionResolved
	if err := event.Decode(&p); err != nil {
		return err
	}
	s.deliver(ctx, "extension_resolved", s.users(ctx, []uuid.UUID{p.RequestedBy}), map[string]interface{}{
		"LicenseID":  p.LicenseID,
		"Status":     p.Status,
		"Reason":     p.Reason,
		"LicenseURL": s.licenseURL(p.LicenseID),
	})
	return nil
}

func (s *NotificationService) onRenewalOffer(ctx context.Context, event events.Event) error {
	var p events.RenewalOfferGenerated
	if err := event.Decode(&p); err != nil {
		return err
	}
	s.deliver(ctx, "renewal_offer", s.users(ctx, []uuid.UUID{p.BrandID}), map[string]interface{}{
		"LicenseID":  p.LicenseID,
		"Fee":        formatCents(p.Terms.FeeCents),
		"StartDate":  p.Terms.StartDate.Format(dateLayout),
		"EndDate":    p.Terms.EndDate.Format(dateLayout),
		"ExpiresAt":  p.ExpiresAt.Format(dateLayout),
		"LicenseURL": s.licenseURL(p.LicenseID),
	})
	return nil
}

// licenseParties returns the brand and the active owners of the asset.
func (s *NotificationService) licenseParties(ctx context.Context, brandID, assetID uuid.UUID) []models.User {
	ids := []uuid.UUID{brandID}
	records, err := s.store.ListOwnerships(ctx, assetID)
	if err != nil {
		logrus.WithError(err).WithField("ip_asset_id", assetID).Warn("Failed to load owners for notification")
	} else {
		ids = append(ids, models.DistinctOwnerIDs(records)...)
	}
	return s.users(ctx, ids)
}

func (s *NotificationService) users(ctx context.Context, ids []uuid.UUID) []models.User {
	users := make([]models.User, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		user, err := s.store.GetUser(ctx, id)
		if err != nil {
			logrus.WithError(err).WithField("user_id", id).Warn("Failed to load notification recipient")
			continue
		}
		if user.IsActive() && user.Email != "" {
			users = append(users, *user)
		}
	}
	return users
}

func (s *NotificationService) deliver(ctx context.Context, name string, recipients []models.User, data map[string]interface{}) {
	tmpl := s.getEmailTemplate(name)
	for _, user := range recipients {
		data["Name"] = user.DisplayName
		body, err := s.renderTemplate(tmpl.Body, data)
		if err == nil {
			err = s.mailer.Send(ctx, user.Email, tmpl.Subject, body)
		}
		if err != nil {
			s.failed(err, logrus.Fields{"template": name, "user_id": user.ID})
		}
	}
}

func (s *NotificationService) notifyAdmins(ctx context.Context, n *models.AdminNotification) {
	n.Status = "unread"
	if err := s.store.CreateAdminNotification(ctx, n); err != nil {
		s.failed(err, logrus.Fields{"type": n.Type})
	}
}

func (s *NotificationService) failed(err error, fields logrus.Fields) {
	if s.metrics != nil {
		s.metrics.NotificationsFailed.Inc()
	}
	logrus.WithFields(fields).WithError(err).Warn("Notification delivery failed")
}

func (s *NotificationService) licenseURL(id uuid.UUID) string {
	return fmt.Sprintf("%s/licenses/%s", s.baseURL, id)
}

func (s *NotificationService) renderTemplate(templateStr string, data interface{}) (string, error) {
	tmpl, err := template.New("email").Parse(templateStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

const emailLayout = `<!DOCTYPE html>
<html>
<body>
	<p>Hello {{.Name}},</p>
	%s
	<a href="{{.LicenseURL}}">View license</a>
	<p>Best regards,<br>IP Marketplace Licensing</p>
</body>
</html>`

var emailTemplates = map[string]EmailTemplate{
	"license_active": {
		Subject: "License active",
		Body:    fmt.Sprintf(emailLayout, `<p>License {{.LicenseID}} is signed by all parties and now in force.</p>`),
	},
	"license_expiring": {
		Subject: "License expiring soon",
		Body:    fmt.Sprintf(emailLayout, `<p>License {{.LicenseID}} ends soon. {{.Reason}}.</p><p>You can request an extension or a renewal offer.</p>`),
	},
	"license_expired": {
		Subject: "License expired",
		Body:    fmt.Sprintf(emailLayout, `<p>License {{.LicenseID}} has expired.</p>`),
	},
	"license_rejected": {
		Subject: "License rejected",
		Body:    fmt.Sprintf(emailLayout, `<p>License {{.LicenseID}} was rejected: {{.Reason}}</p>`),
	},
	"license_status": {
		Subject: "License status changed",
		Body:    fmt.Sprintf(emailLayout, `<p>License {{.LicenseID}} moved from {{.From}} to {{.To}}.</p><p>Reason: {{.Reason}}</p>`),
	},
	"amendment_proposed": {
		Subject: "Amendment awaiting your approval",
		Body:    fmt.Sprintf(emailLayout, `<p>Amendment #{{.AmendmentNumber}} ({{.Type}}) to license {{.LicenseID}} needs your decision by {{.Deadline}}.</p>`),
	},
	"amendment_resolved": {
		Subject: "Amendment decided",
		Body:    fmt.Sprintf(emailLayout, `<p>Your amendment to license {{.LicenseID}} was {{.Status}}. {{.Note}}</p>`),
	},
	"extension_requested": {
		Subject: "Extension awaiting your approval",
		Body:    fmt.Sprintf(emailLayout, `<p>An extension of {{.ExtensionDays}} days to license {{.LicenseID}} was requested, for an additional {{.Fee}}.</p>`),
	},
	"extension_resolved": {
		Subject: "Extension decided",
		Body:    fmt.Sprintf(emailLayout, `<p>Your extension of license {{.LicenseID}} was {{.Status}}. {{.Reason}}</p>`),
	},
	"renewal_offer": {
		Subject: "Renewal offer available",
		Body:    fmt.Sprintf(emailLayout, `<p>License {{.LicenseID}} can be renewed from {{.StartDate}} to {{.EndDate}} for {{.Fee}}.</p><p>The offer is open until {{.ExpiresAt}}.</p>`),
	},
}

func (s *NotificationService) getEmailTemplate(name string) EmailTemplate {
	if t, ok := emailTemplates[name]; ok {
		return t
	}
	return EmailTemplate{
		Subject: "Notification",
		Body:    fmt.Sprintf(emailLayout, `<p>There is an update on license {{.LicenseID}}.</p>`),
	}
}
