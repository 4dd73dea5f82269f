package memory

import "errors"

var errCrossTopic = errors.New("memory: cannot promote between different topics")
