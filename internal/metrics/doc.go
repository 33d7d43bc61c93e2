/*
Package metrics exposes Prometheus metrics for the coverage agent.

Metrics are package-level collectors registered with the default registry at
init time and served by Handler on the agent's control endpoint.

# Metrics Catalog

Recorder:

	coverage_active_contexts                  gauge     contexts recording or pending drain
	coverage_recording_transitions_total      counter   {transition=started|stopped|cancelled|released}
	coverage_polled_records_total             counter   changed class records returned by polls

Sender:

	coverage_batches_total                    counter   {result=sent|queued|dropped|encode_failed}
	coverage_batch_bytes                      histogram serialized batch size
	coverage_send_duration_seconds            histogram transport send latency
	coverage_transport_available              gauge     1 when the collector is reachable

Retention queue:

	coverage_retention_queue_bytes            gauge     bytes held
	coverage_retention_queue_batches          gauge     batches held
	coverage_retention_queue_rejected_total   counter   batches refused over the byte limit

# Usage

	timer := metrics.NewTimer()
	err := transport.Send(ctx, batch)
	timer.ObserveDuration(metrics.SendDuration)
*/
package metrics
