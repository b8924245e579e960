package monitor

import (
	"context"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/example/netguard/queue"
	"github.com/example/netguard/store"
)

// Job names dispatched through the broker.
const (
	JobStoreProviderIPs      = "store_provider_ips"
	JobTcpingTest            = "tcping_test"
	JobTcpingTestMonitorList = "tcping_test_monitor_list"
	JobCurlTest              = "curl_test"
	JobUpdateRangesAPI       = "update_ip_ranges_from_api"
	JobUpdateRangesCIDR      = "update_ip_ranges_cidr"
	JobUpdateSingleIP        = "update_single_ip"
	JobUpdateCustomRange     = "update_custom_range"
)

// TestingGroup is the job group used for provider test cycles.
const TestingGroup = "testing"

// Monitor owns the per-provider enable flag and composes the three probe
// stages into one serial job group.
type Monitor struct {
	store  store.Store
	runner *queue.GroupRunner
	logger log.Logger
}

// New builds the provider monitor.
func New(st store.Store, runner *queue.GroupRunner, logger log.Logger) *Monitor {
	return &Monitor{
		store:  st,
		runner: runner,
		logger: log.With(logger, "component", "monitor"),
	}
}

// StartTesting enqueues the provider's test cycle into the testing group and
// starts the group. The address-expansion stage is included only when the
// provider has no monitor row yet.
func (m *Monitor) StartTesting(ctx context.Context, providerID int64) error {
	if _, err := m.store.Provider(ctx, providerID); err != nil {
		return err
	}
	hasMonitor, err := m.store.HasMonitor(ctx, providerID)
	if err != nil {
		return err
	}
	args := map[string]string{"provider_id": strconv.FormatInt(providerID, 10)}
	if !hasMonitor {
		m.runner.EnqueueToGroup(TestingGroup, JobStoreProviderIPs, args)
		if err := m.store.SetMonitor(ctx, providerID, true); err != nil {
			return err
		}
	}
	m.runner.EnqueueToGroup(TestingGroup, JobTcpingTest, args)
	m.runner.EnqueueToGroup(TestingGroup, JobCurlTest, args)
	m.runner.StartGroup(ctx, TestingGroup)
	level.Info(m.logger).Log("msg", "testing cycle enqueued", "provider", providerID, "expand", !hasMonitor)
	return nil
}

// SetEnabled flips the provider's monitor flag.
func (m *Monitor) SetEnabled(ctx context.Context, providerID int64, enabled bool) error {
	return m.store.SetMonitor(ctx, providerID, enabled)
}

// Enabled reports the provider's monitor flag.
func (m *Monitor) Enabled(ctx context.Context, providerID int64) (bool, error) {
	return m.store.MonitorEnabled(ctx, providerID)
}
