// Package agent runs conversation turns.
//
// A turn takes a user message, submits the conversation to the agent's model
// endpoint and keeps feeding tool results back until the model answers with
// plain text or the tool round ceiling is reached.
package agent
