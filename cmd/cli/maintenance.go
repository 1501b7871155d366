package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/theblitlabs/taskfleet/internal/core/app"
	"github.com/theblitlabs/taskfleet/internal/core/config"
	"github.com/theblitlabs/taskfleet/internal/core/services"
)

const maintenanceTimeout = 2 * time.Minute

func openMaintenance(ctx context.Context) (*app.Maintenance, error) {
	cfg, err := config.GetConfigManager().GetConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return app.NewMaintenance(ctx, cfg)
}

// RunTick runs one scheduling pass outside the server and writes its report as JSON.
func RunTick(ctx context.Context, deviceID uint, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
	defer cancel()

	m, err := openMaintenance(ctx)
	if err != nil {
		return err
	}
	defer m.Close()

	if m.Scheduler == nil {
		return errors.New("the poll transport hands work to connected agents only; use POST /scheduler/tick on the server")
	}

	var report *services.TickReport
	if deviceID != 0 {
		report, err = m.Scheduler.TickDevice(ctx, deviceID, time.Now())
	} else {
		report, err = m.Scheduler.Tick(ctx, time.Now())
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func RunClose(ctx context.Context, deviceIDs []uint, platform string) (int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, maintenanceTimeout)
	defer cancel()

	m, err := openMaintenance(ctx)
	if err != nil {
		return 0, err
	}
	defer m.Close()

	return m.Reporter.Close(ctx, deviceIDs, platform)
}
