// Package secclient provides the entry point for constructing a client of
// the platform's REST APIs that implements the secapi.Client interface.
//
// It layers credentials, the OAuth token manager, the local rate limiter,
// retries and the optional read cache on top of the types defined in the
// secapi package.
//
// Quick start
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
//
//	  cli, err := secclient.NewWithClientSecret(ctx, "acme", "client-id", "client-secret")
//	  if err != nil { log.Fatal(err) }
//	  defer cli.Close()
//
//	  // Walk every page of a listing regardless of the service's paging style.
//	  page, err := cli.List(ctx, "/access/users", secapi.NewQueryParams().WithPageSize(200))
//	  if err != nil { log.Fatal(err) }
//
//	  users, err := page.All(ctx)
//	  if err != nil { log.Fatal(err) }
//	  _ = users
//	}
//
// # Sharing tokens
//
// Clients created with the same TokenCache and the same identity reuse one
// token manager, so a process talking to one tenant from several clients
// authenticates once:
//
//	tokens := secclient.NewTokenCache()
//	a, _ := secclient.New(ctx, cfg, secclient.WithTokenCache(tokens))
//	b, _ := secclient.New(ctx, cfg, secclient.WithTokenCache(tokens))
//
// # Configuration files
//
// NewFromFile reads a YAML file whose keys mirror the mapstructure tags of
// secapi.Config. Every key can be overridden by an environment variable with
// the SECAPI_ prefix, for example SECAPI_CLIENT_SECRET.
package secclient
