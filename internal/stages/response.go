package stages

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ternarybob/integrator/internal/common"
	"github.com/ternarybob/integrator/internal/models"
)

// Required response keys per stage processor
var (
	BuilderRequiredKeys = []string{"job_id"}
	MinerRequiredKeys   = []string{"results_path", "plots_path", "status"}
)

// decodeResponse enforces the endpoint's response contract on a 200 body
func decodeResponse(endpoint models.StageEndpoint, data []byte) (*models.StageResponse, error) {
	if !gjson.ValidBytes(data) {
		return nil, &common.InvalidResponseError{Stage: endpoint.Name, Reason: "response is not valid JSON"}
	}

	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, &common.InvalidResponseError{Stage: endpoint.Name, Reason: "response is not a JSON object"}
	}

	var missing []string
	for _, key := range endpoint.RequiredKeys {
		if !root.Get(key).Exists() {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &common.InvalidResponseError{Stage: endpoint.Name, Missing: missing}
	}

	fields := make(map[string]interface{})
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &common.InvalidResponseError{Stage: endpoint.Name, Reason: err.Error()}
	}

	return &models.StageResponse{
		Stage:   endpoint.Name,
		JobID:   root.Get("job_id").String(),
		Status:  root.Get("status").String(),
		Success: successIndicator(root),
		Fields:  fields,
		Body:    json.RawMessage(data),
	}, nil
}

// successIndicator honours an explicit "success" flag, then a failure status
func successIndicator(root gjson.Result) bool {
	if flag := root.Get("success"); flag.Exists() && (flag.Type == gjson.True || flag.Type == gjson.False) {
		return flag.Bool()
	}

	switch strings.ToLower(root.Get("status").String()) {
	case "error", "failed", "failure":
		return false
	}
	return true
}
