// Copyright The NRI Plugins Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"time"

	"golang.org/x/time/rate"
)

// rateLimited is a Logger which emits at most one message per interval.
// Debug messages are not rate limited.
type rateLimited struct {
	logger
	limit *rate.Limiter
}

// RateLimited returns a Logger for the given source that lets through at
// most one informational, warning or error message every interval.
func RateLimited(source string, every time.Duration) Logger {
	return &rateLimited{
		logger: log.get(source),
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}

func (rl *rateLimited) Info(format string, args ...interface{}) {
	if rl.limit.Allow() {
		rl.logger.Info(format, args...)
	}
}

func (rl *rateLimited) Warn(format string, args ...interface{}) {
	if rl.limit.Allow() {
		rl.logger.Warn(format, args...)
	}
}

func (rl *rateLimited) Error(format string, args ...interface{}) {
	if rl.limit.Allow() {
		rl.logger.Error(format, args...)
	}
}

func (rl *rateLimited) Infof(format string, args ...interface{})  { rl.Info(format, args...) }
func (rl *rateLimited) Warnf(format string, args ...interface{})  { rl.Warn(format, args...) }
func (rl *rateLimited) Errorf(format string, args ...interface{}) { rl.Error(format, args...) }
