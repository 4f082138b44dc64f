// Package client submits jobs to a remote dispatcher over gRPC.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	boff "github.com/Andrej220/go-utils/backoff"
	"github.com/ChuLiYu/slot-dispatcher/internal/dispatcher"
	"github.com/ChuLiYu/slot-dispatcher/internal/server"
	"github.com/ChuLiYu/slot-dispatcher/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
)

// RetryPolicy controls how a rejected submission is retried.
type RetryPolicy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Initial is the first backoff duration.
	Initial time.Duration
	// Max is the cap for backoff duration.
	Max time.Duration
}

// DefaultRetry retries a full queue or an unreachable server a few times.
var DefaultRetry = RetryPolicy{Attempts: 5, Initial: 50 * time.Millisecond, Max: 2 * time.Second}

// Client talks to a JobService.
type Client struct {
	rpc   server.JobServiceClient
	conn  *grpc.ClientConn
	retry RetryPolicy
	log   *slog.Logger
}

// Dial connects to addr without transport security.
func Dial(addr string, retry RetryPolicy, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c := New(conn, retry)
	c.conn = conn
	return c, nil
}

// New wraps an established connection.
func New(cc grpc.ClientConnInterface, retry RetryPolicy) *Client {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	return &Client{
		rpc:   server.NewJobServiceClient(cc),
		retry: retry,
		log:   slog.Default(),
	}
}

// Close closes the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Submit sends job and returns the id the server stored it under.
//
// ResourceExhausted and Unavailable are retried with exponential backoff;
// every other error is returned at once.
func (c *Client) Submit(ctx context.Context, job types.Job) (types.JobID, error) {
	bo := boff.New(c.retry.Initial, c.retry.Max, time.Now().UnixNano())

	for attempt := 1; ; attempt++ {
		resp, err := c.rpc.SubmitJob(ctx, server.JobToStruct(job))
		if err == nil {
			return types.JobID(resp.GetFields()["job_id"].GetStringValue()), nil
		}
		if !retryable(err) || attempt >= c.retry.Attempts {
			return "", fmt.Errorf("submit %q: %w", job.ID, err)
		}

		delay := bo.Next()
		c.log.Warn("Submit rejected; backing off",
			"jobID", job.ID,
			"attempt", attempt,
			"sleep", delay.String(),
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		}
	}
}

// Status fetches the dispatcher's live status.
func (c *Client) Status(ctx context.Context) (dispatcher.Status, error) {
	resp, err := c.rpc.Status(ctx, &emptypb.Empty{})
	if err != nil {
		return dispatcher.Status{}, fmt.Errorf("rpc status failed: %w", err)
	}
	return server.StatusFromStruct(resp), nil
}

// Pending fetches the pending jobs in dequeue order.
func (c *Client) Pending(ctx context.Context) ([]types.Job, error) {
	resp, err := c.rpc.Pending(ctx, &emptypb.Empty{})
	if err != nil {
		return nil, fmt.Errorf("rpc pending failed: %w", err)
	}
	return server.JobsFromStruct(resp)
}

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.ResourceExhausted, codes.Unavailable:
		return true
	default:
		return false
	}
}
