package ports

import (
	"context"

	"github.com/theblitlabs/taskfleet/internal/core/models"
)

// LogArchiver stores the log history of a finished attempt outside the database
// and returns where it went.
type LogArchiver interface {
	Archive(ctx context.Context, task *models.Task, detail models.DetailWithLogs) (string, error)
}
