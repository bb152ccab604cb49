// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package schema

import (
	"github.com/anvil-labs/panther/schema/transform"
	"github.com/anvil-labs/panther/schema/transform/fixed"
	"github.com/anvil-labs/panther/schema/transform/log"
	"github.com/anvil-labs/panther/schema/transform/none"
	"github.com/anvil-labs/panther/schema/transform/tied"
)

// transformKinds is the closed set of parameter transforms a control file
// may declare, looked up by the lower-cased name parsed from each
// "* parameter data" row.
var transformKinds = func() *transform.Registry {
	r := transform.NewRegistry()
	r.Register(none.Transform{})
	r.Register(log.Transform{})
	r.Register(fixed.Transform{})
	r.Register(tied.Transform{})
	return r
}()
