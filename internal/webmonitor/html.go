package webmonitor

const indexHTML = `
<!DOCTYPE html>
<html>
<head>
    <title>Detection Monitor</title>
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <style>
        body { font-family: sans-serif; background: #1b1e23; color: #e6e6e6; margin: 0; }
        .app { max-width: 1200px; margin: 0 auto; padding: 16px; }
        .header { display: flex; justify-content: space-between; align-items: center; }
        .grid { display: grid; grid-template-columns: 2fr 1fr; gap: 16px; margin-top: 16px; }
        .panel { background: #262a31; border-radius: 8px; padding: 12px; }
        .badge { padding: 4px 10px; border-radius: 12px; background: #3a3f47; font-size: 13px; }
        .badge.streaming { background: #2e7d32; }
        .badge.failed { background: #c62828; }
        #preview { width: 100%; background: #000; border-radius: 4px; }
        #status-line { font-family: monospace; margin-top: 8px; min-height: 1.2em; }
        #notice { color: #ef9a9a; margin-top: 8px; }
        #events { list-style: none; padding: 0; margin: 0; max-height: 480px; overflow-y: auto; font-family: monospace; font-size: 13px; }
        #events li { padding: 2px 0; border-bottom: 1px solid #333; }
        form { display: flex; gap: 8px; flex-wrap: wrap; align-items: center; }
        input { background: #1b1e23; color: #e6e6e6; border: 1px solid #444; padding: 6px; border-radius: 4px; }
        button { padding: 6px 14px; border: 0; border-radius: 4px; cursor: pointer; }
    </style>
</head>
<body>
    <div class="app">
        <div class="header">
            <h1>Detection Monitor</h1>
            <span class="badge" id="state-badge">idle</span>
        </div>

        <div class="panel">
            <form id="session-form">
                <label>Source <input id="source" placeholder="video path or camera index" size="40"></label>
                <label>Confidence <input id="confidence" value="0.60" size="5"></label>
                <button type="submit" id="btn-start">Start</button>
                <button type="button" id="btn-stop">Stop</button>
            </form>
            <div id="notice"></div>
        </div>

        <div class="grid">
            <div class="panel">
                <img id="preview" src="/stream" alt="preview">
                <div id="status-line">Idle</div>
            </div>
            <div class="panel">
                <h2>Detections</h2>
                <ul id="events"></ul>
            </div>
        </div>
    </div>

    <script>
        const badge = document.getElementById('state-badge');
        const statusLine = document.getElementById('status-line');
        const notice = document.getElementById('notice');
        const events = document.getElementById('events');
        const maxEvents = 200;

        function showError(msg) { notice.textContent = msg || ''; }

        async function post(path, body) {
            const resp = await fetch(path, {
                method: 'POST',
                headers: { 'Content-Type': 'application/json' },
                body: body ? JSON.stringify(body) : undefined,
            });
            const data = await resp.json().catch(() => ({}));
            if (!resp.ok) {
                throw new Error(data.error || resp.statusText);
            }
            return data;
        }

        document.getElementById('session-form').addEventListener('submit', async (ev) => {
            ev.preventDefault();
            showError('');
            events.innerHTML = '';
            try {
                await post('/api/session/start', {
                    source: document.getElementById('source').value,
                    confidence: document.getElementById('confidence').value,
                });
            } catch (err) {
                showError(err.message);
            }
        });

        document.getElementById('btn-stop').addEventListener('click', async () => {
            try {
                await post('/api/session/stop');
            } catch (err) {
                showError(err.message);
            }
        });

        const statusSource = new EventSource('/api/status/stream');
        statusSource.onmessage = (msg) => {
            const data = JSON.parse(msg.data);
            const state = data.session.state;
            badge.textContent = state;
            badge.className = 'badge ' + state;
            statusLine.textContent = data.monitor.status;
            if (data.monitor.notice) {
                showError(data.monitor.notice);
            }
        };

        const eventSource = new EventSource('/api/detections/stream');
        eventSource.onmessage = (msg) => {
            const data = JSON.parse(msg.data);
            const li = document.createElement('li');
            li.textContent = data.line;
            events.insertBefore(li, events.firstChild);
            while (events.children.length > maxEvents) {
                events.removeChild(events.lastChild);
            }
        };
    </script>
</body>
</html>
`
