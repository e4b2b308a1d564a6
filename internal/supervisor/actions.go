package supervisor

import "context"

// systemActions lets the scheduler drive service lifecycle under the
// always-authorized system caller.
type systemActions struct {
	s *Supervisor
}

func (a systemActions) Start(ctx context.Context, serviceID string) error {
	_, err := a.s.StartService(ctx, System, serviceID)
	return err
}

func (a systemActions) Stop(ctx context.Context, serviceID string) error {
	_, err := a.s.StopService(ctx, System, serviceID)
	return err
}

func (a systemActions) Restart(ctx context.Context, serviceID string) error {
	_, err := a.s.RestartService(ctx, System, serviceID)
	return err
}
