package testutil

// Sample rule documents shared across parser, dispatcher, and harness
// tests.

// AgentEventRuleYAML reacts to note.created events and queues an agent
// task.
const AgentEventRuleYAML = `
name: summarize-notes
description: Summarize each new note
trigger:
  type: event
  event_type: note.created
  mention_filter: self
conditions:
  - field: subject.text
    operator: contains
    value: summary
task: |
  Summarize the note at {{ subject.path }} titled {{ subject.title }}.
max_steps: 10
`

// GeneralWebhookRuleYAML is webhook-triggered and posts an outbound
// webhook.
const GeneralWebhookRuleYAML = `
name: relay-payload
trigger:
  type: webhook
actions:
  - type: webhook
    url: https://hooks.example.com/relay
    payload:
      message: "received {{ payload.kind }}"
`

// GeneralScheduleRuleYAML runs each weekday morning and creates a note.
const GeneralScheduleRuleYAML = `
name: standup-note
trigger:
  type: schedule
  cron: "0 9 * * 1-5"
  timezone: Europe/Berlin
actions:
  - type: internal_action
    action: create_note
    title: "Daily standup"
    text: "Standup thread for today"
`

// ManualRuleYAML declares input defaults and triggers another agent.
const ManualRuleYAML = `
name: ask-researcher
trigger:
  type: manual
  inputs:
    topic: general
actions:
  - type: trigger_agent
    agent_id: agent-researcher
    task: "Research {{ inputs.topic }}"
    max_steps: 5
`
