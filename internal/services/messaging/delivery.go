package messaging

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternarybob/dunner/internal/interfaces"
	"github.com/ternarybob/dunner/internal/models"
)

// Deliver sends the job's document to the first phone candidate that is
// reachable and returns the phone used. A session that is not ready stops the
// search at once; lookup errors move on to the next candidate.
func Deliver(ctx context.Context, svc interfaces.MessagingService, job models.DeliveryJob) (string, error) {
	candidates := job.Candidates()
	if len(candidates) == 0 {
		return "", fmt.Errorf("%w: client %s has no phone number", models.ErrRecipientUnreachable, job.ClientRef)
	}

	var lookupErr error
	for _, phone := range candidates {
		reachable, err := svc.IsRecipientReachable(ctx, phone, job.TenantID)
		if err != nil {
			if errors.Is(err, models.ErrSessionNotReady) {
				return "", err
			}
			lookupErr = err
			continue
		}
		if !reachable {
			continue
		}

		if err := svc.Send(ctx, phone, job.Caption, job.DocumentPath, job.TenantID); err != nil {
			return phone, err
		}
		return phone, nil
	}

	if lookupErr != nil {
		return "", lookupErr
	}
	return "", fmt.Errorf("%w: none of %v", models.ErrRecipientUnreachable, candidates)
}
