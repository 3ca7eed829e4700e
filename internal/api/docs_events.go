package api

const eventsDocsHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>Observer Feed · tabrelay</title>
  <style>
    body {
      margin: 0;
      font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
      font-size: 14px;
      line-height: 1.65;
      background: #0d1117;
      color: #c9d1d9;
    }
    a { color: #58a6ff; text-decoration: none; }
    nav {
      background: #161b22;
      border-bottom: 1px solid #30363d;
      padding: 0 24px;
      height: 48px;
      display: flex;
      align-items: center;
      gap: 24px;
    }
    nav .brand { font-weight: 600; color: #e6edf3; }
    main { max-width: 860px; margin: 0 auto; padding: 32px 16px 64px; }
    h1 { margin: 0 0 8px; font-size: 26px; color: #e6edf3; }
    h2 { margin: 36px 0 12px; font-size: 18px; color: #e6edf3; border-bottom: 1px solid #21262d; padding-bottom: 8px; }
    table { width: 100%; border-collapse: collapse; margin-bottom: 20px; font-size: 13px; }
    th { text-align: left; padding: 8px 12px; background: #161b22; color: #8b949e; border-bottom: 1px solid #30363d; }
    td { padding: 8px 12px; border-bottom: 1px solid #21262d; vertical-align: top; }
    code, pre {
      font-family: "SFMono-Regular", Consolas, "Liberation Mono", Menlo, monospace;
      background: #161b22;
      border: 1px solid #30363d;
      border-radius: 4px;
    }
    code { font-size: 12px; padding: 1px 5px; color: #e6edf3; }
    pre { padding: 16px; overflow-x: auto; }
    pre code { border: none; padding: 0; font-size: 13px; }
  </style>
</head>
<body>

<nav>
  <span class="brand">tabrelay</span>
  <span>Observer Feed</span>
  <a href="/docs">← REST API Docs</a>
</nav>

<main>
  <h1>Observer Feed</h1>
  <p>
    <code>GET /api/v1/events</code> streams what the background agent does as
    Server-Sent Events: tab broadcasts, routed commands and relay attachments.
    Observers only watch; commands go through <code>POST /api/v1/commands</code>.
  </p>

  <h2>Query Parameters</h2>
  <table>
    <thead><tr><th>Name</th><th>Description</th></tr></thead>
    <tbody>
      <tr>
        <td><code>feeds</code></td>
        <td>Comma-separated feed names. Omit to receive every feed. Example: <code>?feeds=tabs,pages</code></td>
      </tr>
    </tbody>
  </table>

  <h2>Feeds</h2>
  <table>
    <thead><tr><th>Feed</th><th>Payload</th></tr></thead>
    <tbody>
      <tr>
        <td><code>tabs</code></td>
        <td>One event per broadcast: <code>{"tabs":[...],"targets":2,"delivered":2}</code></td>
      </tr>
      <tr>
        <td><code>commands</code></td>
        <td>One event per routed command: kind, origin (<code>page</code>, <code>api</code> or <code>shortcut</code>), success, error and duration.</td>
      </tr>
      <tr>
        <td><code>pages</code></td>
        <td><code>{"event":"attached","tab_id":"12","url":"...","extension_id":"..."}</code> and the matching <code>detached</code> events.</td>
      </tr>
    </tbody>
  </table>

  <h2>Format</h2>
<pre><code>id: 42
event: tabs
data: {"tabs":[{"id":"12","title":"Inbox","url":"https://mail.example/"}],"targets":1,"delivered":1}
</code></pre>
  <p>
    A keep-alive comment is sent every 15 seconds. Each observer has a
    256-event buffer; slow observers lose events rather than stall the agent.
  </p>

  <h2>Example</h2>
<pre><code>curl -N 'http://127.0.0.1:8190/api/v1/events?feeds=tabs,commands'</code></pre>
</main>

</body>
</html>`
