package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertNodeAndEdge(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	_, err := s.UpsertNode("10.0.0.5", NodeProps{Type: NodeInternal, Label: "10.0.0.5"})
	require.NoError(t, err)
	_, err = s.UpsertNode("api.openai.com", NodeProps{Type: NodeShadow, Label: "api.openai.com"})
	require.NoError(t, err)

	e, err := s.UpsertEdge("10.0.0.5", "api.openai.com", EdgeProps{Protocol: "HTTPS", DestPort: 443, ByteDelta: 2048})
	require.NoError(t, err)
	assert.Equal(t, int64(2048), e.ByteCount)
	assert.Equal(t, int64(1), e.FlowCount)

	e2, err := s.UpsertEdge("10.0.0.5", "api.openai.com", EdgeProps{Protocol: "HTTPS", DestPort: 443, ByteDelta: 1024})
	require.NoError(t, err)
	assert.Equal(t, int64(3072), e2.ByteCount)
	assert.Equal(t, int64(2), e2.FlowCount)
}

func TestUpsertEdgeRequiresEndpoints(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	_, err := s.UpsertEdge("1.2.3.4", "5.6.7.8", EdgeProps{})
	assert.Error(t, err)
}

func TestShadowLabelSticky(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	n, err := s.UpsertNode("api.openai.com", NodeProps{Type: NodeShadow})
	require.NoError(t, err)
	assert.Equal(t, NodeShadow, n.Type)

	n, err = s.UpsertNode("api.openai.com", NodeProps{Type: NodeExternal})
	require.NoError(t, err)
	assert.Equal(t, NodeShadow, n.Type, "shadow label must be sticky until Reset")
}

func TestResetEmptiesStore(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	_, _ = s.UpsertNode("1.2.3.4", NodeProps{Type: NodeInternal})
	require.NoError(t, s.Reset())

	nodes, err := s.ListNodes(NodeFilter{})
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestListNodesFilterAndSort(t *testing.T) {
	s := OpenMemory()
	defer s.Close()

	_, _ = s.UpsertNode("b.example.com", NodeProps{Type: NodeExternal})
	_, _ = s.UpsertNode("a.example.com", NodeProps{Type: NodeExternal})
	_, _ = s.UpsertNode("10.0.0.1", NodeProps{Type: NodeInternal})

	nodes, err := s.ListNodes(NodeFilter{Type: NodeExternal})
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "a.example.com", nodes[0].ID)
	assert.Equal(t, "b.example.com", nodes[1].ID)
}
