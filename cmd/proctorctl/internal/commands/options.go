package commands

import (
	"context"
	"io"

	"github.com/kube-zen/zen-proctor/cmd/proctorctl/internal/output"
	"github.com/kube-zen/zen-proctor/pkg/policy"
)

type Options struct {
	Output    string
	Blocklist string
}

type optionsKey struct{}

func WithOptions(ctx context.Context, opts Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

func OptionsFromContext(ctx context.Context) Options {
	if ctx == nil {
		return Options{}
	}
	if opts, ok := ctx.Value(optionsKey{}).(Options); ok {
		return opts
	}
	return Options{}
}

func (o Options) printer(out io.Writer) *output.Printer {
	return output.NewPrinter(output.ParseFormat(o.Output), out)
}

// loadBlocklist returns the --blocklist file or the built-in list
func (o Options) loadBlocklist() (*policy.BlockList, error) {
	return policy.Load(o.Blocklist)
}
