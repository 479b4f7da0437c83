package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"collectorflow/config"
	"collectorflow/logger"
)

type cloudWatchState struct {
	client        *cloudwatch.Client
	namespace     string
	dashboardName string
	region        string
}

var (
	cwState atomic.Pointer[cloudWatchState]

	// cloudWatchPublishInterval is the minimum gap between two publishes of
	// the same metric series.
	cloudWatchPublishInterval = time.Minute
	timeNow                   = time.Now
	publishMetricsFunc        = publishMetrics

	publishTimesMu sync.Mutex
	publishTimes   = make(map[string]time.Time)
)

func init() {
	cwState.Store(&cloudWatchState{
		namespace:     "CollectorFlow",
		dashboardName: "CollectorFlow",
	})
}

// InitCloudWatch creates the CloudWatch client and the operational
// dashboard for the given collectors. When AWS configuration cannot be
// loaded publishing stays disabled and the error is returned.
func InitCloudWatch(ctx context.Context, cfg config.CloudWatchConfig, collectors []string) error {
	log := logger.GetLogger().WithComponent("cloudwatch")

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return fmt.Errorf("load AWS configuration: %w", err)
	}

	state := *cwState.Load()
	state.client = cloudwatch.NewFromConfig(awsCfg)
	if cfg.Namespace != "" {
		state.namespace = cfg.Namespace
		state.dashboardName = cfg.Namespace
	}
	state.region = awsCfg.Region
	if state.region == "" {
		state.region = region
	}
	cwState.Store(&state)

	if cfg.PublishInterval > 0 {
		cloudWatchPublishInterval = cfg.PublishInterval
	}

	log.WithFields(logger.Fields{
		"region":           state.region,
		"namespace":        state.namespace,
		"publish_interval": cloudWatchPublishInterval.String(),
	}).Info("initialized CloudWatch client")

	if err := PutDashboard(ctx, collectors); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
	return nil
}

// EmitMetric logs the metric, hands it to registered handlers and publishes
// numeric values to CloudWatch when configured.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	event, ok := recordMetric(log, component, metric, value, metricType, fields)
	if !ok {
		return
	}
	numeric, ok := toFloat64(event.Value)
	if !ok {
		logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metric": event.Name}).Debug("non-numeric metric value; skipping publish")
		return
	}
	publishMetricDatum(event, numeric)
}

// dashboardBody renders one row of widgets per collector: cycle results,
// records persisted and quality.
func dashboardBody(namespace, region string, collectors []string) (string, error) {
	type widget struct {
		Type       string                 `json:"type"`
		X          int                    `json:"x"`
		Y          int                    `json:"y"`
		Width      int                    `json:"width"`
		Height     int                    `json:"height"`
		Properties map[string]interface{} `json:"properties"`
	}
	sorted := append([]string(nil), collectors...)
	sort.Strings(sorted)

	widgets := make([]widget, 0, len(sorted)*3)
	for i, name := range sorted {
		series := func(metric string) []interface{} {
			return []interface{}{namespace, metric, "component", "collector", "collector", name}
		}
		row := []struct {
			title   string
			metrics [][]interface{}
			stat    string
		}{
			{fmt.Sprintf("%s cycles", name), [][]interface{}{series("cycles_succeeded"), series("cycles_failed"), series("cycles_skipped")}, "Sum"},
			{fmt.Sprintf("%s records", name), [][]interface{}{series("records_fetched"), series("records_persisted")}, "Sum"},
			{fmt.Sprintf("%s quality", name), [][]interface{}{series("quality_score")}, "Average"},
		}
		for j, w := range row {
			widgets = append(widgets, widget{
				Type: "metric", X: j * 8, Y: i * 6, Width: 8, Height: 6,
				Properties: map[string]interface{}{
					"title":   w.title,
					"metrics": w.metrics,
					"region":  region,
					"stat":    w.stat,
					"period":  60,
					"view":    "timeSeries",
				},
			})
		}
	}
	body, err := json.Marshal(map[string]interface{}{"widgets": widgets})
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// PutDashboard creates or replaces the dashboard for the given collectors.
func PutDashboard(ctx context.Context, collectors []string) error {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return nil
	}
	body, err := dashboardBody(state.namespace, state.region, collectors)
	if err != nil {
		return fmt.Errorf("render dashboard: %w", err)
	}
	if _, err := state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboardName),
		DashboardBody: aws.String(body),
	}); err != nil {
		return err
	}
	logger.GetLogger().WithComponent("cloudwatch").Debug("updated CloudWatch dashboard")
	return nil
}

// seriesKey identifies a metric series for throttling: component, name and
// the string dimensions.
func seriesKey(metric Metric) string {
	keys := make([]string, 0, len(metric.Fields))
	for k, v := range metric.Fields {
		if s, ok := v.(string); ok && s != "" && k != "unit" {
			keys = append(keys, k+"="+s)
		}
	}
	sort.Strings(keys)
	return metric.Component + "/" + metric.Name + "/" + strings.Join(keys, ",")
}

func resetMetricPublishTimes() {
	publishTimesMu.Lock()
	publishTimes = make(map[string]time.Time)
	publishTimesMu.Unlock()
}

func publishMetricDatum(metric Metric, value float64) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	key := seriesKey(metric)
	now := timeNow()
	publishTimesMu.Lock()
	if last, ok := publishTimes[key]; ok && now.Sub(last) < cloudWatchPublishInterval {
		publishTimesMu.Unlock()
		return
	}
	publishTimes[key] = now
	publishTimesMu.Unlock()

	unit := cwtypes.StandardUnitCount
	if rawUnit, ok := metric.Fields["unit"]; ok {
		if unitStr, ok := rawUnit.(string); ok {
			if parsed, found := metricUnitFromString(unitStr); found {
				unit = parsed
			}
		}
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(metric.Component)}}
	for k, v := range metric.Fields {
		if k == "unit" {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	ts := metric.Timestamp
	if ts.IsZero() {
		ts = now
	}
	publishMetricsFunc(context.Background(), state, []cwtypes.MetricDatum{{
		MetricName: aws.String(metric.Name),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(value),
		Timestamp:  aws.Time(ts),
	}})
}

// publishMetrics sends data in the background so emitters never wait on
// the CloudWatch API.
func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  aws.String(state.namespace),
			MetricData: data,
		}); err != nil {
			logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
		}
	}()
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "seconds":
		return cwtypes.StandardUnitSeconds, true
	case "milliseconds":
		return cwtypes.StandardUnitMilliseconds, true
	case "bytes":
		return cwtypes.StandardUnitBytes, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}
