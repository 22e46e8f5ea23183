/*
Package metric is a small client side metrics library.

Meters (Counter, GaugeInt64) are registered with a Client and updated with
atomic operations, so updating a meter never blocks. The Client flushes
the readings of all meters to a Sink at a fixed interval from its own
go-routine. The statsd sub package implements a Sink.

	sink, _ := statsd.New(statsd.Peer("127.0.0.1:8125"), statsd.Prefix("tillicum"))
	c := metric.NewClient(sink, metric.FlushInterval(5*time.Second))
	c.Counter("worker.spawned").Inc(1)
*/
package metric
