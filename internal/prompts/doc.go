// Package prompts contains every model-facing string the tool-calling
// loop injects into a conversation.
//
// Prompt text is Go code rather than config files because it is program
// logic: the loop's control flow depends on it, templates use
// fmt.Sprintf interpolation, and tests can validate them.
package prompts
