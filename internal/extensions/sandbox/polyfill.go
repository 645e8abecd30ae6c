// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sandbox

// polyfill is prepended to every script. __hostFetch is the only host capability; it
// returns a plain object that is wrapped into a fetch-like response here.
const polyfill = `
async function fetchv2(url, headers, method, body) {
  let init = { headers: headers, method: method, body: body }
  if (method === undefined && body === undefined && headers && typeof headers === 'object' &&
      ('headers' in headers || 'method' in headers || 'body' in headers)) {
    init = headers
  }
  let payload = init.body
  if (payload !== undefined && payload !== null && typeof payload !== 'string') {
    payload = JSON.stringify(payload)
  }
  const res = __hostFetch(String(url), init.headers || {}, init.method || 'GET', payload === undefined ? null : payload)
  const text = res.body
  const bytes = res.bytes
  return {
    ok: res.ok,
    status: res.status,
    statusText: res.statusText,
    headers: res.headers,
    url: res.url,
    text: async () => text,
    json: async () => JSON.parse(text),
    arrayBuffer: async () => bytes,
    blob: async () => ({
      size: bytes.byteLength,
      type: res.headers['content-type'] || '',
      text: async () => text,
      arrayBuffer: async () => bytes
    })
  }
}

function fetch(url, init) {
  init = init || {}
  return fetchv2(url, init.headers || {}, init.method, init.body)
}
`

// invocation calls fn with the JSON encoded arguments and serializes the settled value.
const invocation = `
;(async function () {
  const __result = await %s(%s)
  return JSON.stringify(__result === undefined ? null : __result)
})()
`

// exportsProbe lists which of the probed names the script defines as functions.
const exportsProbe = `
;(async function () {
  return JSON.stringify([%s])
})()
`
