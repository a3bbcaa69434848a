package config

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/shehryarbajwa/renderfarm-mini/internal/store"
	"github.com/shehryarbajwa/renderfarm-mini/pkg/models"
)

// Apply writes the seed records into st. Workers without a workgroup join
// defaultWorkgroup; workers without an endpoint use defaultEndpoint.
func (s SeedConfig) Apply(ctx context.Context, st store.Store, clk clock.Clock, defaultWorkgroup, defaultEndpoint string) error {
	now := clk.Now()
	for _, k := range s.APIKeys {
		if err := st.UpsertAPIKey(ctx, &models.APIKey{APIKey: k.APIKey, UserGuid: k.UserGuid, CreatedAt: now}); err != nil {
			return errors.Wrap(err, "seed api key")
		}
	}
	for _, ws := range s.Workspaces {
		workgroup := ws.Workgroup
		if workgroup == "" {
			workgroup = defaultWorkgroup
		}
		if err := st.UpsertWorkspace(ctx, &models.Workspace{
			Guid:      ws.Guid,
			APIKey:    ws.APIKey,
			Workgroup: workgroup,
			HomeDir:   ws.HomeDir,
			Name:      ws.Name,
			LastSeen:  now,
		}); err != nil {
			return errors.Wrapf(err, "seed workspace %s", ws.Guid)
		}
	}
	for _, w := range s.Workers {
		workgroup := w.Workgroup
		if workgroup == "" {
			workgroup = defaultWorkgroup
		}
		if err := st.UpsertWorker(ctx, &models.Worker{
			Guid:      w.Guid,
			IP:        w.IP,
			Port:      w.Port,
			Endpoint:  defaultEndpoint,
			Workgroup: workgroup,
			FirstSeen: now,
			LastSeen:  now,
		}); err != nil {
			return errors.Wrapf(err, "seed worker %s", w.Guid)
		}
	}
	return nil
}
