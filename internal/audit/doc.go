// Package audit keeps a best-effort trail of throttling decisions.
//
// A Sampler picks a configurable fraction of denials and hands them to
// worker goroutines that append them to a Sink: a Redis stream, a JSON
// lines writer, or nothing at all. Nothing here ever blocks or fails the
// request that was denied.
//
//	sampler := audit.NewSampler(audit.NewRedisStreamSink(client, "", 100000),
//	    audit.WithSampleRate(0.25),
//	    audit.WithLogger(logger),
//	)
//	defer sampler.Close(ctx)
//
//	sampler.MaybeRecord(ctx, route, id, audit.LimitSnapshot{Limit: 100})
package audit
