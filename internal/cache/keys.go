package cache

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/wardrobe/pkg/models"
)

func AIStatusKey(ref models.SubjectRef) string {
	return fmt.Sprintf("ai:status:%s:%s:%s", ref.OwnerID, ref.TaskType, ref.ID)
}

func RateLimitKey(userID uuid.UUID) string {
	return fmt.Sprintf("ratelimit:user:%s", userID)
}
