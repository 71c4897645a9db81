package api

const eventsDocsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Protocol &amp; Events · slothtab</title>
  <style>
    *, *::before, *::after { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, "Helvetica Neue", sans-serif;
      font-size: 14px;
      line-height: 1.65;
      background: #0d1117;
      color: #c9d1d9;
      display: flex;
      flex-direction: column;
      min-height: 100vh;
    }

    a { color: #58a6ff; text-decoration: none; }
    a:hover { text-decoration: underline; }

    /* ── top nav ── */
    nav {
      background: #161b22;
      border-bottom: 1px solid #30363d;
      padding: 0 24px;
      height: 48px;
      display: flex;
      align-items: center;
      gap: 24px;
      flex-shrink: 0;
    }
    nav .brand {
      font-weight: 600;
      font-size: 15px;
      color: #e6edf3;
    }
    nav .sep { color: #484f58; }
    nav .current { color: #e6edf3; font-weight: 500; }
    nav .back { font-size: 13px; }

    /* ── layout ── */
    .layout {
      display: flex;
      flex: 1;
      max-width: 1100px;
      width: 100%;
      margin: 0 auto;
      padding: 0 16px;
    }

    /* ── sidebar ── */
    aside {
      width: 220px;
      flex-shrink: 0;
      padding: 32px 16px 32px 0;
      position: sticky;
      top: 0;
      height: calc(100vh - 48px);
      overflow-y: auto;
    }
    aside h4 {
      margin: 0 0 8px;
      font-size: 11px;
      font-weight: 600;
      text-transform: uppercase;
      letter-spacing: .08em;
      color: #8b949e;
    }
    aside ul {
      list-style: none;
      margin: 0 0 24px;
      padding: 0;
    }
    aside ul li a {
      display: block;
      padding: 4px 8px;
      border-radius: 4px;
      font-size: 13px;
      color: #8b949e;
    }
    aside ul li a:hover {
      background: #21262d;
      color: #c9d1d9;
      text-decoration: none;
    }

    /* ── main content ── */
    main {
      flex: 1;
      padding: 32px 0 64px 32px;
      border-left: 1px solid #21262d;
      min-width: 0;
    }

    h1 {
      margin: 0 0 8px;
      font-size: 28px;
      font-weight: 600;
      color: #e6edf3;
    }
    .subtitle {
      color: #8b949e;
      margin: 0 0 36px;
      font-size: 15px;
    }

    h2 {
      margin: 40px 0 12px;
      font-size: 18px;
      font-weight: 600;
      color: #e6edf3;
      padding-bottom: 8px;
      border-bottom: 1px solid #21262d;
    }
    h3 {
      margin: 28px 0 10px;
      font-size: 15px;
      font-weight: 600;
      color: #e6edf3;
    }

    p { margin: 0 0 12px; }

    /* ── method + path badge ── */
    .endpoint {
      display: inline-flex;
      align-items: center;
      gap: 10px;
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 6px;
      padding: 10px 16px;
      margin-bottom: 20px;
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      font-size: 14px;
    }
    .method {
      background: #1f6feb;
      color: #fff;
      font-weight: 700;
      font-size: 11px;
      padding: 2px 7px;
      border-radius: 4px;
      letter-spacing: .04em;
    }
    .path { color: #e6edf3; }

    /* ── tables ── */
    table {
      width: 100%;
      border-collapse: collapse;
      margin-bottom: 20px;
      font-size: 13px;
    }
    th {
      text-align: left;
      padding: 8px 12px;
      background: #161b22;
      color: #8b949e;
      font-weight: 600;
      border-bottom: 1px solid #30363d;
    }
    td {
      padding: 8px 12px;
      border-bottom: 1px solid #21262d;
      vertical-align: top;
    }
    tr:last-child td { border-bottom: none; }
    code {
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      font-size: 12px;
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 3px;
      padding: 1px 5px;
      color: #e6edf3;
    }

    /* ── code blocks ── */
    pre {
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 6px;
      padding: 16px;
      overflow-x: auto;
      margin: 0 0 20px;
    }
    pre code {
      background: none;
      border: none;
      padding: 0;
      font-size: 13px;
      line-height: 1.6;
      color: #c9d1d9;
    }

    /* ── callout ── */
    .callout {
      background: #161b22;
      border-left: 3px solid #1f6feb;
      border-radius: 0 6px 6px 0;
      padding: 12px 16px;
      margin-bottom: 20px;
      font-size: 13px;
    }
    .callout.warning { border-color: #d29922; }
    .callout strong { color: #e6edf3; }

    /* ── feed cards ── */
    .feed-card {
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 8px;
      padding: 16px 20px;
      margin-bottom: 14px;
    }
    .feed-card h3 { margin: 0 0 10px; font-size: 14px; }
    .feed-card code { font-size: 13px; }
    .feed-meta {
      display: flex;
      flex-wrap: wrap;
      gap: 8px;
      margin-bottom: 10px;
      font-size: 12px;
    }
    .feed-meta span { color: #8b949e; }
    .tag {
      background: #21262d;
      border: 1px solid #30363d;
      border-radius: 3px;
      padding: 1px 6px;
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      font-size: 11px;
      color: #8b949e;
    }

    /* ── SSE format visualization ── */
    .sse-block {
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 6px;
      padding: 16px;
      margin-bottom: 20px;
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      font-size: 13px;
      line-height: 1.8;
    }
    .sse-key { color: #79c0ff; }
    .sse-value { color: #a5d6ff; }
    .sse-comment { color: #484f58; }
  </style>
</head>
</head>
<body>

<nav>
  <span class="brand">slothtab</span>
  <span class="sep">/</span>
  <span class="current">Protocol &amp; Events</span>
  <a class="back" href="/docs">REST API Docs</a>
</nav>

<div class="layout">

  <aside>
    <h4>On this page</h4>
    <ul>
      <li><a href="#overview">Overview</a></li>
      <li><a href="#ws">WebSocket Endpoint</a></li>
      <li><a href="#kinds">Message Kinds</a></li>
      <li><a href="#events">Event Stream</a></li>
      <li><a href="#sse-format">SSE Event Format</a></li>
      <li><a href="#examples">Examples</a></li>
      <li><a href="#notes">Notes</a></li>
    </ul>
  </aside>

  <main>
    <h1>Protocol &amp; Events</h1>
    <p class="subtitle">Talk to the agent over a socket, or follow what it does as Server-Sent Events.</p>

    <!-- OVERVIEW -->
    <h2 id="overview">Overview</h2>
    <p>
      The agent keeps per-tab authorization state and decides, for every image and
      media request in an attached tab, whether it loads or is replaced by the
      placeholder. Control clients read and change that state with the same message
      kinds the page loaders use.
    </p>

    <!-- WS -->
    <h2 id="ws">WebSocket Endpoint</h2>
    <div class="endpoint">
      <span class="method">GET</span>
      <span class="path">/ws</span>
    </div>
    <p>Each frame is one JSON envelope. Calls carry an <code>id</code>; the reply echoes it.</p>
    <pre><code>{"id":"7b0c...","kind":"get-status","tab":"","payload":null}
{"id":"7b0c...","kind":"get-status","payload":{"extensionEnabled":true,"siteEnabled":false,"tabEnabled":false,"numAllowed":4,"numBlocked":31}}</code></pre>

    <!-- KINDS -->
    <h2 id="kinds">Message Kinds</h2>
    <table>
      <thead>
        <tr><th>Kind</th><th>Shape</th><th>Payload</th><th>Description</th></tr>
      </thead>
      <tbody>
        <tr><td><code>get-status</code></td><td>call</td><td>none</td><td>Status of <code>tab</code>, or of the active tab when empty.</td></tr>
        <tr><td><code>fetch</code></td><td>call</td><td>URL string</td><td>Fetches an image out of band and replies with a <code>data:</code> URI.</td></tr>
        <tr><td><code>extension-enable</code></td><td>fire</td><td>bool</td><td>Global switch. Arms or disarms interception.</td></tr>
        <tr><td><code>site-enable</code></td><td>fire</td><td>bool</td><td>Allows or denies the domain of <code>tab</code>, durably.</td></tr>
        <tr><td><code>tab-enable</code></td><td>fire</td><td>bool</td><td>Allows or denies <code>tab</code> for this session only.</td></tr>
        <tr><td><code>online</code></td><td>fire</td><td>none</td><td>Sent by a page when its loader is ready.</td></tr>
      </tbody>
    </table>
    <div class="callout warning">
      <strong>Push kinds are not accepted.</strong> <code>shall-register</code> and
      <code>shall-unregister</code> only travel from the agent to page loaders.
    </div>

    <!-- EVENTS -->
    <h2 id="events">Event Stream</h2>
    <div class="endpoint">
      <span class="method">GET</span>
      <span class="path">/api/v1/events</span>
    </div>

    <h3>Query Parameters</h3>
    <table>
      <thead>
        <tr><th>Name</th><th>Type</th><th>Required</th><th>Description</th></tr>
      </thead>
      <tbody>
        <tr>
          <td><code>topics</code></td>
          <td>string</td>
          <td>No</td>
          <td>Comma-separated topics: <code>status</code>, <code>fetch</code>, <code>tab</code>. Defaults to all.</td>
        </tr>
        <tr>
          <td><code>tab_id</code></td>
          <td>string</td>
          <td>No</td>
          <td>Only events of this tab. Events without a tab always pass.</td>
        </tr>
      </tbody>
    </table>

    <!-- SSE FORMAT -->
    <h2 id="sse-format">SSE Event Format</h2>
    <p>The <code>event</code> field is the topic; <code>data</code> is JSON.</p>
    <div class="sse-block">
      <span class="sse-key">event:</span> <span class="sse-value">status</span><br>
      <span class="sse-key">data:</span> <span class="sse-value">{"extensionEnabled":true,"siteEnabled":true,"tabEnabled":false,...}</span><br>
      <br>
      <span class="sse-key">event:</span> <span class="sse-value">fetch</span><br>
      <span class="sse-key">data:</span> <span class="sse-value">{"url":"https://images.example.com/cat.jpg","ok":true}</span><br>
      <br>
      <span class="sse-key">event:</span> <span class="sse-value">tab</span><br>
      <span class="sse-key">data:</span> <span class="sse-value">{"event":"attached","url":"https://example.com/"}</span><br>
      <br>
    </div>

    <!-- EXAMPLES -->
    <h2 id="examples">Examples</h2>

    <h3>curl</h3>
    <pre><code>curl -N 'http://127.0.0.1:8190/api/v1/events?topics=status,fetch'</code></pre>

    <h3>slothctl</h3>
    <pre><code>slothctl status
slothctl site allow --tab 9F2C...
slothctl watch --topics fetch</code></pre>

    <!-- NOTES -->
    <h2 id="notes">Notes</h2>
    <ul>
      <li>
        <strong>Back-pressure:</strong> each subscriber has a 256-event buffer.
        Events for slow clients are dropped.
      </li>
      <li>
        <strong>Authentication:</strong> none. Keep the agent bound to
        <code>127.0.0.1</code> (the default).
      </li>
    </ul>

  </main>
</div>

</body>
</html>`
