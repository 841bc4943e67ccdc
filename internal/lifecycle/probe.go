package lifecycle

import (
	"context"
	"fmt"
	"strings"

	"safety-timer/internal/apperr"
	"safety-timer/internal/delivery"
	"safety-timer/internal/models"
)

// ProbeReport is the answer to a webhook connectivity test.
type ProbeReport struct {
	Valid           bool                    `json:"valid"`
	Error           string                  `json:"error,omitempty"`
	Attempt         *models.DeliveryAttempt `json:"connectivity,omitempty"`
	Recommendations []string                `json:"recommendations"`
}

// TestWebhook validates target and posts a test payload to it once. Nothing is
// recorded against any timer.
func (s *Service) TestWebhook(ctx context.Context, ownerID, target string) (ProbeReport, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return ProbeReport{}, apperr.Validation("webhook_url is required")
	}
	if err := delivery.ValidateTarget(target, s.opts.RequireHTTPS); err != nil {
		return ProbeReport{
			Error: err.Error(),
			Recommendations: []string{
				"Ensure the URL starts with http:// or https://",
				"Check that the hostname is correct and accessible",
				"Use HTTPS for production environments",
			},
		}, nil
	}
	if s.prober == nil {
		return ProbeReport{}, apperr.Validation("webhook testing is not available")
	}

	a := s.prober.Probe(ctx, target, map[string]string{
		"timerId": "test-connection",
		"userId":  ownerID,
		"status":  "TEST",
		"message": "This is a connectivity test from Safety Timer",
	})
	report := ProbeReport{Valid: true, Attempt: &a}
	switch {
	case a.Succeeded():
		report.Recommendations = []string{"Webhook URL is working correctly"}
	case a.HTTPStatus != 0:
		report.Recommendations = []string{
			fmt.Sprintf("Server returned status %d", a.HTTPStatus),
			"Check that your webhook endpoint accepts POST requests",
			"Verify your webhook returns a 2xx status code",
		}
	default:
		report.Recommendations = []string{
			"Check that the webhook server is running",
			"Verify the URL is correct and accessible",
			"Check firewall and network settings",
		}
	}
	s.log.Info().Str("owner_id", ownerID).Str("url", target).Int("status", a.HTTPStatus).
		Str("error_kind", string(a.ErrorKind)).Msg("webhook probe")
	return report, nil
}
