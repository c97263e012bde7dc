package prompts

// IncompleteSetupNudge follows a response that announced an action and
// stopped ("Let me look that up:") without issuing the call.
const IncompleteSetupNudge = "You described what you were about to do but did not do it. Stop narrating and emit the tool call now, or give your final answer if no tool is needed."

// HallucinationNudge follows a response that claims an action was
// completed although no tool has been called this turn.
const HallucinationNudge = "No tool call has succeeded in this turn, so nothing you described has actually happened. Do not claim actions were taken or invent IDs. Call the appropriate tool now, or tell the user plainly what you cannot do."

// SummaryRequest is sent once the iteration budget is spent. It asks
// for a backward-looking report so the turn ends with something useful.
const SummaryRequest = "You have reached the limit of tool calls for this request. Do not call any more tools. Report only what was actually completed and what the results were, and state clearly anything that remains unfinished."

// ServicesUnresponsive is returned to the user when tools keep timing
// out.
const ServicesUnresponsive = "I'm sorry, but some of the services I depend on are not responding right now, so I stopped before finishing. Please try again in a few minutes."

// BaseSystem is the system prompt used when the configuration supplies
// none.
const BaseSystem = `You are a capable assistant with access to tools. Use a tool whenever the answer depends on live data or on an action being taken; never claim an action happened unless a tool result says so. When the tools cannot help, say so plainly. Keep answers short.`
