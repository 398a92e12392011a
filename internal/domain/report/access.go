package report

import (
	"context"

	"github.com/google/uuid"

	"github.com/medclare/medclare/internal/platform/auth"
	"github.com/medclare/medclare/internal/platform/websocket"
)

// CanView reports whether p may read r: its owner, any doctor, or an admin.
func CanView(p auth.Principal, r *Report) bool {
	return p.IsDoctor() || (p.ID != "" && p.ID == r.PatientID)
}

// IsOwner reports whether p owns r. Admin counts as every owner.
func IsOwner(p auth.Principal, r *Report) bool {
	return p.IsAdmin() || (p.ID != "" && p.ID == r.PatientID)
}

// SubscriptionAuthorizer lets websocket clients subscribe to the topics of
// reports they can view.
type SubscriptionAuthorizer struct {
	svc *Service
}

func NewSubscriptionAuthorizer(svc *Service) *SubscriptionAuthorizer {
	return &SubscriptionAuthorizer{svc: svc}
}

func (a *SubscriptionAuthorizer) CanSubscribe(ctx context.Context, topic string) bool {
	raw, ok := websocket.ReportIDFromTopic(topic)
	if !ok {
		return false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return false
	}
	r, err := a.svc.Get(ctx, id)
	if err != nil {
		return false
	}
	return CanView(auth.PrincipalFromContext(ctx), r)
}
