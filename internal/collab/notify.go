package collab

import (
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/privyscan/privyscan/internal/logger"
	"github.com/privyscan/privyscan/internal/models"
)

// MailConfig holds SMTP delivery settings.
type MailConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	From       string
	Recipients []string
}

// EmailNotifier sends a completion summary when a job reaches a terminal
// state. Delivery runs in its own goroutine; a failed send is logged and
// dropped, never retried into the scan path.
type EmailNotifier struct {
	cfg MailConfig
	log *logger.Logger

	// dial is injectable for tests.
	dial func(m *gomail.Message) error
}

func NewEmailNotifier(cfg MailConfig, log *logger.Logger) *EmailNotifier {
	dialer := gomail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	return &EmailNotifier{
		cfg:  cfg,
		log:  log,
		dial: func(m *gomail.Message) error { return dialer.DialAndSend(m) },
	}
}

func (n *EmailNotifier) JobFinished(job *models.ScanJob, result *models.ScanResult) {
	if n.cfg.Host == "" || len(n.cfg.Recipients) == 0 {
		return
	}
	go func() {
		m := gomail.NewMessage()
		m.SetHeader("From", n.cfg.From)
		m.SetHeader("To", n.cfg.Recipients...)
		m.SetHeader("Subject", fmt.Sprintf("[privyscan] %s scan %s", job.ScanType, job.State))
		m.SetBody("text/plain", fmt.Sprintf(
			"Scan %s finished in state %s.\n\nFindings: %d (critical: %d)\nCompliance score: %.1f\nPartial: %v\n",
			job.ID, job.State, result.Totals.TotalFindings, result.Totals.CriticalFindings,
			result.ComplianceScore, result.Partial,
		))
		if err := n.dial(m); err != nil {
			n.log.Error("sending completion mail", err)
		}
	}()
}
