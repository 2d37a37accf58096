package xguard

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/omeyang/gatekit/pkg/guard/xguard"

// guardMetrics 引擎内部指标集。
// 所有标签维度都是低基数的（路由类别、作用域、原因），不含请求身份。
type guardMetrics struct {
	checks        metric.Int64Counter
	denied        metric.Int64Counter
	lockouts      metric.Int64Counter
	botFlags      metric.Int64Counter
	storeFailures metric.Int64Counter
	checkDuration metric.Float64Histogram
}

func newGuardMetrics(mp metric.MeterProvider) (*guardMetrics, error) {
	meter := mp.Meter(meterName)

	checks, err := meter.Int64Counter("xguard.checks.total",
		metric.WithDescription("决策总次数"))
	if err != nil {
		return nil, err
	}
	denied, err := meter.Int64Counter("xguard.denied.total",
		metric.WithDescription("拒绝决策次数"))
	if err != nil {
		return nil, err
	}
	lockouts, err := meter.Int64Counter("xguard.lockouts.total",
		metric.WithDescription("触发锁定次数"))
	if err != nil {
		return nil, err
	}
	botFlags, err := meter.Int64Counter("xguard.bot_flags.total",
		metric.WithDescription("机器人标记次数"))
	if err != nil {
		return nil, err
	}
	storeFailures, err := meter.Int64Counter("xguard.store_failures.total",
		metric.WithDescription("计数存储不可用次数"))
	if err != nil {
		return nil, err
	}
	checkDuration, err := meter.Float64Histogram("xguard.check.duration",
		metric.WithDescription("单次决策耗时"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &guardMetrics{
		checks:        checks,
		denied:        denied,
		lockouts:      lockouts,
		botFlags:      botFlags,
		storeFailures: storeFailures,
		checkDuration: checkDuration,
	}, nil
}

func (m *guardMetrics) recordCheck(ctx context.Context, class string, scope Scope, allowed bool, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("scope", string(scope)),
		attribute.Bool("allowed", allowed),
	)
	m.checks.Add(ctx, 1, attrs)
	m.checkDuration.Record(ctx, elapsed.Seconds(), attrs)
	if !allowed {
		m.denied.Add(ctx, 1, metric.WithAttributes(
			attribute.String("class", class),
			attribute.String("scope", string(scope)),
		))
	}
}

func (m *guardMetrics) recordLockout(ctx context.Context, class string, level int) {
	m.lockouts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
		attribute.Int("level", level),
	))
}

func (m *guardMetrics) recordBotFlag(ctx context.Context, reason string) {
	m.botFlags.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

func (m *guardMetrics) recordStoreFailure(ctx context.Context, class string) {
	m.storeFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
	))
}
