package location

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/devrev/pairdb/directconn/internal/config"
	"github.com/devrev/pairdb/directconn/internal/model"
)

func TestResolveServiceEndpoint(t *testing.T) {
	m := NewManager(config.EndpointsConfig{
		Write: []string{"https://east/"},
		Read:  []string{"https://west/", "https://east/"},
	}, zap.NewNop())

	read := model.NewRequest(model.OperationRead, model.ResourceDocument, "dbs/d/colls/c/docs/1", true, 0)
	write := model.NewRequest(model.OperationCreate, model.ResourceDocument, "dbs/d/colls/c/docs/1", true, 0)
	assert.Equal(t, "https://west/", m.ResolveServiceEndpoint(read))
	assert.Equal(t, "https://east/", m.ResolveServiceEndpoint(write))

	read.ServiceEndpoint = "https://pinned/"
	assert.Equal(t, "https://pinned/", m.ResolveServiceEndpoint(read))
}

func TestReadFallsBackToWrite(t *testing.T) {
	m := NewManager(config.EndpointsConfig{Write: []string{"https://east/"}}, zap.NewNop())
	assert.Equal(t, []string{"https://east/"}, m.ReadEndpoints())
}

func TestMarkUnavailable(t *testing.T) {
	m := NewManager(config.EndpointsConfig{
		Write: []string{"https://east/", "https://west/"},
		Read:  []string{"https://east/", "https://west/"},
	}, zap.NewNop())

	m.MarkUnavailable("https://east/")
	assert.Equal(t, []string{"https://west/", "https://east/"}, m.WriteEndpoints())
	assert.Equal(t, []string{"https://west/", "https://east/"}, m.ReadEndpoints())
}
