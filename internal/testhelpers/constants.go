// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testhelpers

import (
	"time"
)

// ShortWait is long enough to decide that something which should not
// happen has in fact not happened. Tests block for the full duration
// whenever they assert absence, so it is kept short.
const ShortWait = 50 * time.Millisecond

// LongWait bounds waits for things that have either already happened or
// happen near-instantly. Tests asserting presence return as soon as the
// event arrives, so the generous bound slows nothing down and keeps
// loaded CI machines from producing spurious failures.
const LongWait = 10 * time.Second
