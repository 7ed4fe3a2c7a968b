package di

// ManifestPath is the optional path of a vm-deployer.yml manifest.
type ManifestPath string

// Option is a function that configures the dependency injection container.
type Option func(*options)

// WithManifestPath registers the path of a deployment manifest whose values
// override the literal parameter defaults.
func WithManifestPath(path string) Option {
	return func(opts *options) {
		opts.manifestPath = ManifestPath(path)
	}
}

// WithProviders adds constructor functions to the dependency injection container.
// Each provider should be a constructor function that returns one or more values.
// Providers can declare dependencies as function parameters, which will be
// automatically resolved by the container.
//
// Example:
//
//	WithProviders(
//	    func() *Database { return &Database{} },
//	    func(db *Database) *Service { return &Service{DB: db} },
//	)
func WithProviders(providers ...any) Option {
	return func(opts *options) {
		opts.providers = append(opts.providers, providers...)
	}
}

type options struct {
	manifestPath ManifestPath
	providers    []any
}
