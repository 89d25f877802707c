package config

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// mockSSMClient records GetParameters calls and serves canned responses.
type mockSSMClient struct {
	calls     [][]string
	values    map[string]string
	invalid   []string
	returnErr error
}

func (m *mockSSMClient) GetParameters(_ context.Context, params *ssm.GetParametersInput, _ ...func(*ssm.Options)) (*ssm.GetParametersOutput, error) {
	m.calls = append(m.calls, params.Names)
	if m.returnErr != nil {
		return nil, m.returnErr
	}

	out := &ssm.GetParametersOutput{InvalidParameters: m.invalid}
	for _, name := range params.Names {
		if v, ok := m.values[name]; ok {
			out.Parameters = append(out.Parameters, ssmtypes.Parameter{
				Name:  aws.String(name),
				Value: aws.String(v),
			})
		}
	}
	return out, nil
}

func TestSSMProvider_BatchesAtTen(t *testing.T) {
	values := make(map[string]string)
	var keys []string
	for _, k := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		path := "/prod/chatgate/" + k
		values[path] = k + "-value"
		keys = append(keys, path)
	}

	client := &mockSSMClient{values: values}
	provider := newSSMProviderWithClient("us-east-1", client)

	result, err := provider.GetParametersBatch(context.Background(), keys)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(client.calls) != 2 {
		t.Fatalf("expected 2 batch calls for 12 keys, got %d", len(client.calls))
	}
	if len(client.calls[0]) != 10 || len(client.calls[1]) != 2 {
		t.Errorf("unexpected batch sizes: %d, %d", len(client.calls[0]), len(client.calls[1]))
	}
	if result["/prod/chatgate/a"] != "a-value" {
		t.Errorf("missing resolved value for /prod/chatgate/a")
	}
}

func TestSSMProvider_InvalidParameters(t *testing.T) {
	client := &mockSSMClient{
		values:  map[string]string{},
		invalid: []string{"/prod/chatgate/missing"},
	}
	provider := newSSMProviderWithClient("us-east-1", client)

	_, err := provider.GetParametersBatch(context.Background(), []string{"/prod/chatgate/missing"})
	if err == nil {
		t.Fatal("expected error for invalid parameters")
	}
}

func TestSSMProvider_PropagatesAPIError(t *testing.T) {
	client := &mockSSMClient{returnErr: errors.New("throttled")}
	provider := newSSMProviderWithClient("us-east-1", client)

	_, err := provider.GetParametersBatch(context.Background(), []string{"/x"})
	if err == nil {
		t.Fatal("expected error from SSM API failure")
	}
}

func TestSSMProvider_EmptyKeys(t *testing.T) {
	provider := NewSSMProvider("us-east-1")
	result, err := provider.GetParametersBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result) != 0 {
		t.Errorf("expected empty result, got %v", result)
	}
}
