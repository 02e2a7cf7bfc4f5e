// Package secapi provides the types, interfaces, and helpers shared by the
// cloud security platform client.
//
// # Overview
//
// The platform exposes several independently versioned sub-APIs (policy,
// private access, device control, analytics, workflow automation and the
// file sandbox). Each one is described by a Service entry that records how
// it is authenticated and how it pages its listings. A concrete client is
// built by the secclient package, which wires token management, rate
// limiting, retries, and caching around these types.
//
// Getting a client
//
//	import (
//	  "context"
//	  "log"
//
//	  "github.com/fivetwenty-io/secapi/pkg/secapi"
//	  "github.com/fivetwenty-io/secapi/pkg/secclient"
//	)
//
//	func example() {
//	  ctx := context.Background()
//	  cfg := secapi.DefaultConfig()
//	  cfg.ClientID = "my-client"
//	  cfg.ClientSecret = "my-secret"
//	  cfg.VanityDomain = "acme"
//
//	  cli, err := secclient.New(ctx, cfg)
//	  if err != nil { log.Fatal(err) }
//	  defer cli.Close()
//
//	  resp, err := cli.Get(ctx, "/policy/api/v1/rules", nil)
//	  if err != nil { log.Fatal(err) }
//	  _ = resp
//	}
//
// # Pagination
//
// List returns a PagedResult over the first page. The same loop works for
// every service regardless of whether it pages by counter, cursor, or link:
//
//	page, err := cli.List(ctx, "/access/api/v1/segments", secapi.NewQueryParams().WithPageSize(200))
//	for err == nil {
//	  for _, raw := range page.Items() { _ = raw }
//	  if !page.HasNext() { break }
//	  err = page.Next(ctx)
//	}
//
// ListAll and DecodeItems decode items into typed values.
//
// # Errors
//
// Failures are reported with typed errors (HTTPError, AuthenticationError,
// RateLimitError, RetryTooLongError, TransportError, ConfigurationError,
// PaginationError) that unwrap to package sentinels, so both errors.As and
// errors.Is work. IsNotFound, IsUnauthorized, IsForbidden, and IsRateLimited
// cover the common checks.
package secapi
