package milvus

import (
	"fmt"
	"time"
)

// Options configures the Milvus connection.
type Options struct {
	Address    string        `json:"address" mapstructure:"address"`
	Username   string        `json:"username" mapstructure:"username"`
	Password   string        `json:"password" mapstructure:"password"`
	Database   string        `json:"database" mapstructure:"database"`
	Collection string        `json:"collection" mapstructure:"collection"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
}

// NewOptions returns default Milvus options.
func NewOptions() *Options {
	return &Options{
		Address:    "localhost:19530",
		Database:   "default",
		Collection: "verba_chunks",
		Timeout:    10 * time.Second,
	}
}

// Validate checks the options.
func (o *Options) Validate() []error {
	var errs []error
	if o.Address == "" {
		errs = append(errs, fmt.Errorf("milvus address must not be empty"))
	}
	if o.Collection == "" {
		errs = append(errs, fmt.Errorf("milvus collection must not be empty"))
	}
	return errs
}
