// Package llm provides the provider-neutral types shared by the relay packages.
//
// # Core Concepts
//
//  1. Messages: Message carries a role (user, assistant, system, tool), text
//     content, and for assistant turns the tool calls the model requested.
//
//  2. Tools: ToolSpec describes a callable tool, ToolCall a request from the
//     model to invoke it, and ToolResult the outcome fed back on the next turn.
//
//  3. Completer: the single-method interface implemented by the OpenRouter
//     client. Middleware decorates a Completer with cross-cutting hooks.
//
//  4. Errors: Error is built from the endpoint's failure envelope
//     ({"error": {"message", "code", "metadata"}}), from either a non-2xx
//     response or an error event inside a stream. Hint maps a status code to
//     a remediation hint.
//
// Usage Example
//
//	req := &llm.Request{
//	    Model: "anthropic/claude-3.5-sonnet",
//	    Messages: []llm.Message{
//	        llm.NewTextMessage(llm.RoleUser, "Hello!"),
//	    },
//	}
//
//	resp, err := client.Complete(ctx, req)
//	if llm.StatusCode(err) == http.StatusPaymentRequired {
//	    fmt.Println(llm.Hint(http.StatusPaymentRequired))
//	}
package llm
