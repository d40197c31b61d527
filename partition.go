package testcluster

import "context"

// Partitioner drops or restores traffic from one local port to another.
// *resunder.Controller is the production implementation.
type Partitioner interface {
	Block(ctx context.Context, source, dest int) error
	Unblock(ctx context.Context, source, dest int) error
}
