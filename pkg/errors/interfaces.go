// Copyright 2025 Tom Barlow
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

package errors

// Classifier defines methods for programmatic error handling.
// Errors that implement this interface can be classified by kind
// for retry logic, run results, or specific handling paths.
//
// The concrete types in this package are classified by Classify without
// implementing the interface; Classifier exists for member implementations
// that want to carry their own taxonomy through the engine.
type Classifier interface {
	error

	// ErrorKind returns the Kind this error maps to.
	ErrorKind() Kind

	// Retryable returns true if the operation should be retried.
	Retryable() bool
}
