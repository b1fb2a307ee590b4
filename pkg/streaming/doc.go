// Package streaming implements partitioned append-only event logs with
// consumer-group rebalancing and checkpointed projections.
//
//	Publish ──► partition[N].events ──► Subscribe (100ms poll) ──► fn(batch)
//	                    │                                              │
//	              retention sweep                              offset advance
//	                                                                    │
//	                                                      projection checkpoint ──► Snapshot
package streaming
