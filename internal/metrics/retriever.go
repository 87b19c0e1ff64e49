package metrics

import (
	"context"
	"fmt"
	"log"
	"time"

	promapi "github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RetrievedMetrics summarises what Prometheus knows about offloaded executions.
type RetrievedMetrics struct {
	AvgRemoteExecutionTime map[string]float64            // method -> seconds
	RemoteExecutions       map[string]map[string]float64 // node -> method -> count
	DecisionShare          map[string]map[string]float64 // method -> location -> fraction
}

type metricSample struct {
	Value  float64
	Labels map[string]string
}
type metricProcessor[T any] func(samples []metricSample) (T, error)

// Retriever queries a Prometheus server scraping clones and clients.
type Retriever struct {
	api v1.API
}

func NewRetriever(host string, port int) (*Retriever, error) {
	client, err := promapi.NewClient(promapi.Config{
		Address: fmt.Sprintf("http://%s:%d", host, port),
	})
	if err != nil {
		return nil, fmt.Errorf("prometheus client creation: %v", err)
	}
	return &Retriever{api: v1.NewAPI(client)}, nil
}

func executeQuery(ctx context.Context, query string, api v1.API) (model.Vector, error) {
	result, warnings, err := api.Query(ctx, query, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed query: %v", err)
	}

	if len(warnings) > 0 {
		log.Printf("received warnings in the execution: %v", warnings)
	}

	vector, ok := result.(model.Vector)
	if !ok {
		return nil, fmt.Errorf("could not convert the result of the query: %v", result)
	}

	return vector, nil
}

func extractSampleWithLabels(sample *model.Sample, requiredLabels []string) (*metricSample, error) {
	labels := make(map[string]string)

	for _, labelName := range requiredLabels {
		labelValue, found := sample.Metric[model.LabelName(labelName)]
		if !found {
			return nil, fmt.Errorf("could not find the %s label in the result: %v", labelName, sample)
		}
		labels[labelName] = string(labelValue)
	}

	return &metricSample{
		Value:  float64(sample.Value),
		Labels: labels,
	}, nil
}

func retrieveMetrics[T any](ctx context.Context, query string, api v1.API, requiredLabels []string, processor metricProcessor[T]) (T, error) {
	var zero T

	vector, err := executeQuery(ctx, query, api)
	if err != nil {
		return zero, err
	}

	var samples []metricSample
	for _, sample := range vector {
		extracted, err := extractSampleWithLabels(sample, requiredLabels)
		if err != nil {
			log.Printf("skipping sample: %v", err)
			continue
		}
		samples = append(samples, *extracted)
	}

	return processor(samples)
}

func byLabel(label string) metricProcessor[map[string]float64] {
	return func(samples []metricSample) (map[string]float64, error) {
		result := make(map[string]float64)
		for _, sample := range samples {
			result[sample.Labels[label]] = sample.Value
		}
		return result, nil
	}
}

func byTwoLabels(outer string, inner string) metricProcessor[map[string]map[string]float64] {
	return func(samples []metricSample) (map[string]map[string]float64, error) {
		result := make(map[string]map[string]float64)
		for _, sample := range samples {
			o := sample.Labels[outer]
			if _, exists := result[o]; !exists {
				result[o] = make(map[string]float64)
			}
			result[o][sample.Labels[inner]] = sample.Value
		}
		return result, nil
	}
}

// Retrieve runs all the queries; a failing query leaves its map empty.
func (r *Retriever) Retrieve(ctx context.Context) RetrievedMetrics {
	var retrieved RetrievedMetrics

	query := fmt.Sprintf("sum by (method) (%s_sum{}) / sum by (method) (%s_count{})", EXECUTION_TIME, EXECUTION_TIME)
	avg, err := retrieveMetrics(ctx, query, r.api, []string{"method"}, byLabel("method"))
	if err != nil {
		log.Printf("Error retrieving execution times: %v", err)
		avg = make(map[string]float64)
	}
	retrieved.AvgRemoteExecutionTime = avg

	query = fmt.Sprintf("sum by (node, method) (%s{outcome=\"success\"})", REMOTE_EXECUTIONS)
	perNode, err := retrieveMetrics(ctx, query, r.api, []string{"node", "method"}, byTwoLabels("node", "method"))
	if err != nil {
		log.Printf("Error retrieving remote executions: %v", err)
		perNode = make(map[string]map[string]float64)
	}
	retrieved.RemoteExecutions = perNode

	query = fmt.Sprintf("sum by (method, location) (%s{})", DECISIONS)
	decisions, err := retrieveMetrics(ctx, query, r.api, []string{"method", "location"}, byTwoLabels("method", "location"))
	if err != nil {
		log.Printf("Error retrieving decisions: %v", err)
		decisions = make(map[string]map[string]float64)
	}
	// Normalize to fractions
	for method, innerMap := range decisions {
		sum := 0.0
		for _, value := range innerMap {
			sum += value
		}
		if sum > 0 {
			for location, value := range innerMap {
				decisions[method][location] = value / sum
			}
		}
	}
	retrieved.DecisionShare = decisions

	return retrieved
}
