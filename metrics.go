// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

package peep

import "expvar"

// channelMetrics record channel and session activity counters.
type channelMetrics struct {
	eventsNotified expvar.Int // number of events notified
	eventsReceived expvar.Int // number of events drained from the listener
	msgPublished   expvar.Int // number of payloads published
	msgPulled      expvar.Int // number of payloads pulled
	pullEmpty      expvar.Int // number of pulls that found nothing buffered
	requestsIn     expvar.Int // number of requests dispatched to a handler
	requestErrs    expvar.Int // number of dispatches reporting an error
	deadlineMiss   expvar.Int // number of reactor deadline misses

	emap *expvar.Map
}

var metrics = newChannelMetrics()

func newChannelMetrics() *channelMetrics {
	cm := &channelMetrics{emap: new(expvar.Map)}
	cm.emap.Set("events_notified", &cm.eventsNotified)
	cm.emap.Set("events_received", &cm.eventsReceived)
	cm.emap.Set("messages_published", &cm.msgPublished)
	cm.emap.Set("messages_pulled", &cm.msgPulled)
	cm.emap.Set("pulls_empty", &cm.pullEmpty)
	cm.emap.Set("requests_handled", &cm.requestsIn)
	cm.emap.Set("requests_failed", &cm.requestErrs)
	cm.emap.Set("deadline_misses", &cm.deadlineMiss)
	return cm
}
