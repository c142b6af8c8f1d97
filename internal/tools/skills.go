package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/haasonsaas/agenthub/internal/agent"
	"github.com/haasonsaas/agenthub/internal/skills"
)

const skillPrefix = "skill_"

// skillDecl builds the LLM-visible declaration for one skill.
func skillDecl(sk *skills.Skill) agent.ToolDecl {
	schema := sk.Params
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return agent.ToolDecl{
		Name:        sk.ToolName(),
		Description: sk.Description,
		InputSchema: schema,
	}
}

// runSkill evaluates a skill script in the same sandboxed runtime as
// hub_runjs, with the call input bound to `input`. Skill calls pass through
// the full pipeline, so hook rules screen them like any other tool.
func (p *Pipeline) runSkill(ctx context.Context, sk *skills.Skill, call Call) agent.ToolOutcome {
	input, err := call.inputMap()
	if err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err))
	}

	var console []string
	vm := newAgentVM(ctx, call, p.files, p.fetch, &console)
	_ = vm.Set("input", input)

	timer := time.AfterFunc(runjsTimeout, func() {
		vm.Interrupt("execution timed out")
	})
	// Skill scripts are function bodies: `return` hands back the result.
	value, runErr := vm.RunString("(function() {\n" + sk.Script + "\n})()")
	timer.Stop()

	if runErr != nil {
		var interrupted *goja.InterruptedError
		msg := runErr.Error()
		if errors.As(runErr, &interrupted) {
			msg = fmt.Sprintf("skill %s timed out after %s", sk.Name, runjsTimeout)
		}
		return toolError(msg)
	}

	result := map[string]interface{}{"result": renderJSValue(value)}
	if len(console) > 0 {
		result["console"] = console
	}
	return jsonResult(result)
}
