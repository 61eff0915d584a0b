package activity

import (
	"context"

	"go.uber.org/zap"
)

// Store keeps the current activity across restarts.
type Store interface {
	CurrentActivity(ctx context.Context) (string, error)
	SetCurrentActivity(ctx context.Context, id string) error
}

// Load returns a tracker resuming the activity st last recorded as
// current. With nothing recorded a fresh activity is created and stored.
// Every later switch is written back until stop is called; a failed write
// is logged and the switch stands.
func Load(ctx context.Context, st Store, log *zap.Logger) (t *Tracker, stop func(), err error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("activity")

	id, err := st.CurrentActivity(ctx)
	if err != nil {
		return nil, nil, err
	}
	t = NewTracker(id)
	if id == "" {
		if err := st.SetCurrentActivity(ctx, t.CurrentActivity()); err != nil {
			return nil, nil, err
		}
		log.Info("created activity", zap.String("activity", t.CurrentActivity()))
	}

	stop = t.Subscribe(func(id string) {
		if err := st.SetCurrentActivity(context.WithoutCancel(ctx), id); err != nil {
			log.Warn("current activity not saved", zap.String("activity", id), zap.Error(err))
		}
	})
	return t, stop, nil
}
