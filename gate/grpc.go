package gate

import (
	"context"

	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"feedrelay/rules"
)

// UnaryServerInterceptor gates unary RPCs with one rule, keyed by the
// full method name. Internal gRPC surfaces have no HTTP request to
// derive a key from, so the method itself is the identifier.
func (g *Gate) UnaryServerInterceptor(rule rules.Rule) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		key := rule.Name + ":" + info.FullMethod

		dec := g.limiter.Check(ctx, key, rule.Policy())
		if dec.Degraded {
			g.logger.Printf("rate limiter degraded for rule %s method %s, fail mode applied", rule.Name, info.FullMethod)
		}
		if !dec.Allowed {
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded, retry after %d seconds", dec.ResetSeconds)
		}

		return handler(ctx, req)
	}
}

// ChainUnaryServer gates unary RPCs with several rules evaluated in
// order, each keyed independently.
func (g *Gate) ChainUnaryServer(ruleSet ...rules.Rule) grpc.UnaryServerInterceptor {
	interceptors := make([]grpc.UnaryServerInterceptor, 0, len(ruleSet))
	for _, rule := range ruleSet {
		interceptors = append(interceptors, g.UnaryServerInterceptor(rule))
	}
	return grpc_middleware.ChainUnaryServer(interceptors...)
}
