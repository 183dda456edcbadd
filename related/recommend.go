package related

import (
	"context"
	"net/http"

	"github.com/commercekit/commerce-workflows/workflow"
)

// RecommendationName is the container key for the recommendation client.
const RecommendationName = "recommendation"

// RecommendationClient calls the external recommendation engine.
type RecommendationClient struct {
	URL        string
	HTTPClient *http.Client
}

// NewRecommendationClient creates a client for the given base URL.
func NewRecommendationClient(url string) *RecommendationClient {
	return &RecommendationClient{URL: url, HTTPClient: http.DefaultClient}
}

// Train asks the engine to retrain its models from current co-purchase
// data. Non-2xx responses are remote-call failures.
func (c *RecommendationClient) Train(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL+"/train-recommendation-models", nil)
	if err != nil {
		return workflow.WrapError(workflow.KindRemoteCall, err, "build training request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return workflow.WrapError(workflow.KindRemoteCall, err, "training call failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return workflow.NewError(workflow.KindRemoteCall, "training API returned status %d", resp.StatusCode)
	}
	return nil
}

// trainRecommendationModelsStep triggers training. There is no undo for a
// training run that already started, so the step is non-compensable.
func trainRecommendationModelsStep() workflow.Step {
	return workflow.Step{
		Name: "train-recommendation-models",
		Kind: workflow.StepNonCompensable,
		Forward: func(ctx context.Context, input interface{}, scope *workflow.Scope) (*workflow.StepResponse, error) {
			client, err := workflow.Resolve[*RecommendationClient](scope.Container, RecommendationName)
			if err != nil {
				return nil, err
			}
			if err := client.Train(ctx); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}
}

// TrainRecommendationModelsWorkflow triggers a model training run. It is
// invoked from a scheduled job, not a request path.
func TrainRecommendationModelsWorkflow() *workflow.Definition {
	return workflow.NewDefinition("train-recommendation-models-workflow").
		Then(trainRecommendationModelsStep(), nil)
}
