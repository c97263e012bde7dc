// Package mcp is a client for Model Context Protocol servers and the
// gateway that exposes them to the tool-calling loop.
//
// Servers are reached over JSON-RPC 2.0, either as a subprocess speaking
// newline-delimited JSON on stdin/stdout or as a streamable HTTP
// endpoint. The [Gateway] keeps one [Client] per configured server and
// registers two tools, mcp_list_tools and mcp_invoke_tool, so a model
// can discover and call server tools without each one occupying a slot
// in the tool catalog. Selected server tools can also be bridged into
// the registry directly under namespaced names.
package mcp
