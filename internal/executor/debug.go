package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/crmflow/internal/domain"
	"github.com/shaiso/crmflow/internal/engine"
	"github.com/shaiso/crmflow/internal/nodes"
)

// ExecuteNodeInput: параметры отладочного запуска узла.
type ExecuteNodeInput struct {
	TenantID    uuid.UUID
	WorkflowID  uuid.UUID
	NodeID      string
	TriggerData map[string]any

	// ExecuteUpstream: выполнить также всех предков узла.
	ExecuteUpstream bool

	// Settings: таймаут вызова; retry в отладке не применяется.
	Settings domain.Settings
}

// NodeRunResult: результат одного узла в отладочном запуске.
type NodeRunResult struct {
	NodeID     string          `json:"node_id"`
	NodeType   string          `json:"node_type"`
	Label      string          `json:"label"`
	Status     string          `json:"status"`
	Output     any             `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	Logs       []domain.RunLog `json:"logs"`
	DurationMs int64           `json:"duration_ms"`
}

// NodeTestResult: результат ExecuteNode.
type NodeTestResult struct {
	NodeID  string `json:"node_id"`
	Success bool   `json:"success"`

	// Output: output целевого узла.
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`

	// FailedNodeID: узел, на котором остановился запуск.
	FailedNodeID string `json:"failed_node_id,omitempty"`

	// Nodes: результаты в порядке выполнения.
	Nodes []NodeRunResult `json:"nodes"`

	// UpstreamOutputs: output предков по ID узла.
	UpstreamOutputs map[string]any `json:"upstream_outputs"`

	// ExecutionTime: общее время в миллисекундах.
	ExecutionTime int64 `json:"execution_time_ms"`
}

// FocalFailed возвращает true, если упал сам целевой узел.
func (r *NodeTestResult) FocalFailed() bool {
	return !r.Success && r.FailedNodeID == r.NodeID
}

// ExecuteNode выполняет узел (и, при ExecuteUpstream, его предков)
// на тестовых данных. Ничего не сохраняется.
//
// Trigger-узлы в отладке вызываются и возвращают TriggerData.
// Ошибка предка останавливает запуск. Ошибки узлов отражаются
// в NodeTestResult; error возвращается только если узла нет в графе.
func (e *Engine) ExecuteNode(ctx context.Context, g domain.Graph, in ExecuteNodeInput) (*NodeTestResult, error) {
	target, ok := g.Node(in.NodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", engine.ErrNodeNotFound, in.NodeID)
	}

	order := []domain.Node{target}
	if in.ExecuteUpstream {
		var err error
		order, err = engine.ExecutionOrder(g, in.NodeID)
		if err != nil {
			return nil, err
		}
	}

	start := time.Now()
	result := &NodeTestResult{
		NodeID:          in.NodeID,
		Success:         true,
		Nodes:           make([]NodeRunResult, 0, len(order)),
		UpstreamOutputs: make(map[string]any),
	}

	runCtx := engine.NewRunContext(in.TriggerData)
	timeout := time.Duration(in.Settings.NodeTimeoutSec) * time.Second

	for _, node := range order {
		nodeStart := time.Now()
		dres, err := e.debugInvoke(ctx, in, node, runCtx, timeout)
		out := dres.output

		nr := NodeRunResult{
			NodeID:     node.ID,
			NodeType:   node.Type,
			Label:      node.Label(),
			Status:     string(domain.NodeResultCompleted),
			Logs:       dres.logs,
			DurationMs: time.Since(nodeStart).Milliseconds(),
		}

		if err != nil {
			nodeErr := nodes.AsExecutionError(node.ID, node.Type, err)
			nr.Status = string(domain.NodeResultFailed)
			nr.Error = nodeErr.Message
			result.Nodes = append(result.Nodes, nr)

			result.Success = false
			result.FailedNodeID = node.ID
			if node.ID == in.NodeID {
				result.Error = nodeErr.Message
			} else {
				result.Error = fmt.Sprintf("upstream node %s failed: %s", node.ID, nodeErr.Message)
			}
			break
		}

		nr.Output = out
		result.Nodes = append(result.Nodes, nr)
		runCtx = engine.AddToContext(runCtx, node.ID, out)

		if node.ID == in.NodeID {
			result.Output = out
		} else {
			result.UpstreamOutputs[node.ID] = out
		}
	}

	result.ExecutionTime = time.Since(start).Milliseconds()
	return result, nil
}

type debugOutput struct {
	output any
	logs   []domain.RunLog
}

// debugInvoke вызывает обработчик без retry и без сохранения.
// Invocation.Run остаётся nil: обработчики видят TestMode().
func (e *Engine) debugInvoke(ctx context.Context, in ExecuteNodeInput, node domain.Node, runCtx engine.RunContext,
	timeout time.Duration,
) (debugOutput, error) {
	log := newNodeLog(uuid.Nil, node.ID, e.logger.With("mode", "debug"))

	handler, err := e.registry.Get(node.Type)
	if err != nil {
		log.Error("unknown node type", "type", node.Type)
		return debugOutput{logs: log.drain()}, nodes.NewExecutionError("unknown node type "+node.Type, err)
	}

	inv := &nodes.Invocation{
		TenantID:   in.TenantID,
		WorkflowID: in.WorkflowID,
		NodeID:     node.ID,
		NodeType:   node.Type,
		Config:     engine.ResolveConfig(node.Data.Config, runCtx),
		Context:    runCtx,
		Logger:     log,
		Services:   e.services,
		Attempt:    1,
	}

	out, err := callHandler(ctx, handler, inv, timeout)
	if err == nil {
		out, err = normalizeOutput(out)
		if err != nil {
			err = nodes.NewExecutionError("output is not JSON-serializable: "+err.Error(), err)
		}
	}
	if err != nil {
		log.Error("node failed", "error", err)
	}
	return debugOutput{output: out, logs: log.drain()}, err
}
