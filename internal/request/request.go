/*
Copyright 2024 Stampd Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package request

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"
)

// defaultTimeout bounds outbound calls so a wedged remote cannot hold the
// caller indefinitely.
const defaultTimeout = 30 * time.Second

// ToJsonReq converts a Go object to a JSON-encoded HTTP request payload.
func ToJsonReq(payload interface{}) (*bytes.Buffer, error) {
	c, e := json.Marshal(payload)
	if e != nil {
		return nil, e
	}

	bytePayload := bytes.NewBuffer(c)
	return bytePayload, nil
}

// Call sends req with a bounded timeout and decodes the JSON response body
// into response.
func Call(req *http.Request, response interface{}) (*http.Response, error) {
	return CallWithTimeout(req, response, defaultTimeout)
}

// CallWithTimeout is Call with an explicit timeout, for providers whose
// configured budget differs from the default.
func CallWithTimeout(req *http.Request, response interface{}, timeout time.Duration) (*http.Response, error) {
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: timeout}

	resp, err := client.Do(req)
	if err != nil {
		return resp, err
	}

	err = json.NewDecoder(resp.Body).Decode(&response)
	if err != nil {
		return resp, err
	}
	return resp, err
}

// BasicAuth generates a basic HTTP authentication string by encoding the
// provided username and password.
func BasicAuth(username, password string) string {
	auth := username + ":" + password
	return base64.StdEncoding.EncodeToString([]byte(auth))
}
